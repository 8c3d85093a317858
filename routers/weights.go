package routers

// Weight mix. Health dominates less than the random jitter on purpose: the
// jitter keeps healthy fleets spread across providers instead of pinning
// every request to the current top scorer.
const (
	healthWeightShare   = 0.30
	priorityWeightShare = 0.20
	randomWeightShare   = 0.50

	// antiRepeatWindow is how many trailing entries of the recent list
	// attract a penalty.
	antiRepeatWindow = 3
)

// antiRepeatMultipliers penalizes the most recent provider hardest.
// Index 0 applies to the most recent entry.
var antiRepeatMultipliers = [antiRepeatWindow]float64{0.2, 0.5, 0.7}

// candidateWeight computes the sampling mass for one candidate before the
// anti-repeat penalty. rnd must be uniform in [0,1); the random component is
// squeezed into [0.5, 1.0] so no candidate's mass collapses to zero.
func candidateWeight(healthScore float64, priority int, rnd float64) float64 {
	priorityW := float64(priority) / 100
	randomW := 0.5 + rnd*0.5
	return healthWeightShare*healthScore + priorityWeightShare*priorityW + randomWeightShare*randomW
}

// antiRepeatMultiplier returns the penalty for a provider given the
// conversation's recent providers, oldest first. Providers outside the last
// three get no penalty.
func antiRepeatMultiplier(providerID string, recent []string) float64 {
	n := len(recent)
	for i := 0; i < antiRepeatWindow && i < n; i++ {
		if recent[n-1-i] == providerID {
			return antiRepeatMultipliers[i]
		}
	}
	return 1.0
}
