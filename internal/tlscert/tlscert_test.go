package tlscert

import (
	"testing"
	"time"

	"github.com/darthnorse/dockmon/internal/clock"
)

func TestEnsure_GeneratesThenReloads(t *testing.T) {
	dir := t.TempDir()
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	m1 := NewManager(dir, 41*24*time.Hour, 47*24*time.Hour, fc)
	cert1, err := m1.Ensure()
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	m2 := NewManager(dir, 41*24*time.Hour, 47*24*time.Hour, fc)
	cert2, err := m2.Ensure()
	if err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
	if string(cert1.Certificate[0]) != string(cert2.Certificate[0]) {
		t.Error("expected second Ensure to reload the same certificate from disk")
	}
}

func TestNeedsRotation(t *testing.T) {
	dir := t.TempDir()
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := NewManager(dir, 41*24*time.Hour, 47*24*time.Hour, fc)
	if _, err := m.Ensure(); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	if m.NeedsRotation() {
		t.Error("freshly issued cert should not need rotation")
	}

	fc.Advance(7 * 24 * time.Hour) // 40 days left, renewAhead is 41
	if !m.NeedsRotation() {
		t.Error("expected rotation needed once inside the renewal window")
	}
}

func TestRotateIfNeeded(t *testing.T) {
	dir := t.TempDir()
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := NewManager(dir, 41*24*time.Hour, 47*24*time.Hour, fc)
	if _, err := m.Ensure(); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	rotated, err := m.RotateIfNeeded()
	if err != nil {
		t.Fatalf("RotateIfNeeded: %v", err)
	}
	if rotated {
		t.Error("should not rotate a fresh cert")
	}

	fc.Advance(10 * 24 * time.Hour)
	rotated, err = m.RotateIfNeeded()
	if err != nil {
		t.Fatalf("RotateIfNeeded: %v", err)
	}
	if !rotated {
		t.Error("expected rotation once within the renewal window")
	}
	if m.NeedsRotation() {
		t.Error("freshly rotated cert should not need rotation again")
	}
}
