package scheduler

import (
	"fmt"

	"conductor/internal/domain"
)

// allowed lists the legal stage state transitions.
var allowed = map[domain.StageState][]domain.StageState{
	domain.StagePending:   {domain.StageReady, domain.StageSkipped},
	domain.StageReady:     {domain.StageRunning, domain.StageSkipped},
	domain.StageRunning:   {domain.StageSucceeded, domain.StageFailed, domain.StageSkipped},
	domain.StageFailed:    {domain.StageRetrying, domain.StageEscalated, domain.StageSucceeded, domain.StageSkipped},
	domain.StageRetrying:  {domain.StageReady, domain.StageSkipped},
	domain.StageEscalated: {domain.StageRetrying, domain.StageFailed, domain.StageSkipped},
}

// transition validates and applies a state change.
func transition(st *domain.Stage, to domain.StageState) error {
	if st.Status == to {
		return nil
	}
	for _, next := range allowed[st.Status] {
		if next == to {
			st.Status = to
			return nil
		}
	}
	return fmt.Errorf("stage %s: illegal transition %s -> %s", st.ID, st.Status, to)
}
