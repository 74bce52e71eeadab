package stack

import "testing"

func TestProgress_ZeroServicesIsComplete(t *testing.T) {
	if got := Progress(0, 0, PhasePull, 0); got != 100 {
		t.Errorf("Progress(0, ...) = %d, want 100", got)
	}
}

func TestProgress_AllDoneIsComplete(t *testing.T) {
	if got := Progress(3, 3, PhaseHealth, 100); got != 100 {
		t.Errorf("Progress(3, 3, ...) = %d, want 100", got)
	}
}

func TestProgress_PartialServiceWeightsPhases(t *testing.T) {
	// One of two services done, the other mid-pull at 50%:
	// done contributes 50, in-progress pull contributes 50*(40/100)*(50/100)=10.
	got := Progress(2, 1, PhasePull, 50)
	want := 60
	if got != want {
		t.Errorf("Progress(2, 1, pull, 50) = %d, want %d", got, want)
	}
}

func TestProgress_NeverExceeds100(t *testing.T) {
	if got := Progress(1, 1, PhaseHealth, 150); got != 100 {
		t.Errorf("Progress should cap at 100, got %d", got)
	}
}

func TestProgress_FirstServiceStartingPullIsZero(t *testing.T) {
	if got := Progress(4, 0, PhasePull, 0); got != 0 {
		t.Errorf("Progress(4, 0, pull, 0) = %d, want 0", got)
	}
}
