package agentproto

import (
	"encoding/json"
	"fmt"
)

// typeProbe extracts just the "type" discriminator from a raw frame.
type typeProbe struct {
	Type FrameType `json:"type"`
}

// PeekType returns the FrameType of a raw inbound frame without decoding
// the rest of it, so the caller can pick the right concrete struct.
func PeekType(raw []byte) (FrameType, error) {
	var p typeProbe
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", fmt.Errorf("peek frame type: %w", err)
	}
	if p.Type == "" {
		return "", fmt.Errorf("frame missing type field")
	}
	return p.Type, nil
}
