package pipeline

// Phase weights for overall progress. Writing dominates because it is where
// the project spends nearly all of its wall-clock time.
const (
	planningWeight      = 10
	planCritiqueWeight  = 10
	writingWeight       = 70
	writeCritiqueWeight = 10
)

// ProgressPercentage estimates overall completion in [0, 100].
//
// Phases contribute their full weight once passed. Within PLAN_CRITIQUE a
// flat half-weight is credited; within the writing cycle the combined
// writing+critique weight scales with the fraction of chunks approved.
func ProgressPercentage(st *State) float64 {
	if st.Phase == PhaseComplete {
		return 100.0
	}

	completed := 0.0
	if st.Phase != PhasePlanning {
		completed += planningWeight
	}
	if st.Phase != PhasePlanning && st.Phase != PhasePlanCritique {
		completed += planCritiqueWeight
	}

	current := 0.0
	switch st.Phase {
	case PhaseWriting, PhaseWriteCritique:
		if st.TotalChunksCount > 0 {
			frac := float64(len(st.ApprovedChunks)) / float64(st.TotalChunksCount)
			current = frac * (writingWeight + writeCritiqueWeight)
		}
	case PhasePlanCritique:
		current = planCritiqueWeight * 0.5
	}

	total := completed + current
	if total > 100.0 {
		return 100.0
	}
	return total
}
