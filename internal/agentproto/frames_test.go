package agentproto

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestPeekType(t *testing.T) {
	raw := []byte(`{"type":"register","token":"abc","engine_id":"eng-1"}`)
	typ, err := PeekType(raw)
	if err != nil {
		t.Fatalf("PeekType: %v", err)
	}
	if typ != FrameRegister {
		t.Errorf("type = %q, want %q", typ, FrameRegister)
	}
}

func TestPeekTypeMissing(t *testing.T) {
	_, err := PeekType([]byte(`{"token":"abc"}`))
	if err == nil {
		t.Fatal("expected error for missing type field")
	}
}

func TestRegisterFrameRoundTrip(t *testing.T) {
	f := RegisterFrame{
		Type:         FrameRegister,
		Token:        "tok-1",
		EngineID:     "eng-1",
		Version:      "2.2.0",
		ProtoVersion: 1,
		Capabilities: []string{"compose", "health_check"},
	}
	data, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got RegisterFrame
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !reflect.DeepEqual(got, f) {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, f)
	}
}

func TestCommandEnvelopeRoundTrip(t *testing.T) {
	payload, _ := json.Marshal(StopPayload{TimeoutSeconds: 10})
	cmd := CommandEnvelope{
		Type:          FrameCommand,
		CorrelationID: "corr-1",
		Action:        ActionStop,
		Payload:       payload,
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got CommandEnvelope
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Action != ActionStop || got.CorrelationID != "corr-1" {
		t.Fatalf("unexpected decode: %+v", got)
	}
	var stop StopPayload
	if err := json.Unmarshal(got.Payload, &stop); err != nil {
		t.Fatalf("Unmarshal payload: %v", err)
	}
	if stop.TimeoutSeconds != 10 {
		t.Errorf("TimeoutSeconds = %d, want 10", stop.TimeoutSeconds)
	}
}
