package stack

// Deploy phases and their weight toward one service's 100%, per spec.md
// §4.10: pull 40, create 20, start 20, health 20.
const (
	PhasePull   = "pull"
	PhaseCreate = "create"
	PhaseStart  = "start"
	PhaseHealth = "health"
)

var phaseWeight = map[string]int{
	PhasePull:   40,
	PhaseCreate: 20,
	PhaseStart:  20,
	PhaseHealth: 20,
}

// Progress computes overall deployment completion given the total service
// count, how many are fully done, and the in-progress service's current
// phase and that phase's own completion percent. Zero services is
// vacuously 100% done; the result is capped at 100.
func Progress(totalServices, doneServices int, phase string, phasePct int) int {
	if totalServices <= 0 {
		return 100
	}
	if phasePct < 0 {
		phasePct = 0
	} else if phasePct > 100 {
		phasePct = 100
	}

	perService := 100.0 / float64(totalServices)
	done := float64(doneServices) * perService
	current := perService * (float64(phaseWeight[phase]) / 100.0) * (float64(phasePct) / 100.0)

	pct := done + current
	if pct > 100 {
		pct = 100
	}
	return int(pct + 0.5)
}
