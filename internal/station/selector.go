package station

import (
	"time"

	"github.com/Bldg-7/chargebay/internal/shared"
)

// Classification is a slot's charging status at one instant.
type Classification int

const (
	ClassAvailable Classification = iota
	ClassCharging
	ClassReady
)

func (c Classification) String() string {
	switch c {
	case ClassCharging:
		return "charging"
	case ClassReady:
		return "ready"
	default:
		return "available"
	}
}

// SlotEvaluation is one slot's classification at a poll.
type SlotEvaluation struct {
	SlotID     int
	Class      Classification
	Occupied   bool
	Identifier string
	SessionID  string
	Elapsed    time.Duration
	Selected   bool
}

// ClassifySlots evaluates every slot at now. A slot without an open
// session is available, including one that is occupied but was never
// matched; otherwise it is ready once elapsed reaches
// threshold seconds.
func ClassifySlots(slots []SlotState, now time.Time, threshold int64) []SlotEvaluation {
	limit := time.Duration(threshold) * time.Second
	out := make([]SlotEvaluation, len(slots))
	for i, slot := range slots {
		ev := SlotEvaluation{
			SlotID:   slot.SlotID,
			Class:    ClassAvailable,
			Occupied: slot.State == shared.SlotPresent,
		}
		if slot.Assigned() && slot.Session != nil {
			ev.Identifier = slot.Identifier
			ev.SessionID = slot.Session.ID
			ev.Elapsed = now.Sub(slot.Session.StartedAt)
			if ev.Elapsed < 0 {
				ev.Elapsed = 0
			}
			ev.Class = ClassCharging
			if ev.Elapsed >= limit {
				ev.Class = ClassReady
			}
		}
		out[i] = ev
	}
	return out
}

// SelectNext picks the ready slot that has charged longest. Ties go to
// the lower slot ID.
func SelectNext(evals []SlotEvaluation) (int, bool) {
	best := -1
	var bestElapsed time.Duration
	for _, ev := range evals {
		if ev.Class != ClassReady {
			continue
		}
		if best < 0 || ev.Elapsed > bestElapsed || (ev.Elapsed == bestElapsed && ev.SlotID < best) {
			best = ev.SlotID
			bestElapsed = ev.Elapsed
		}
	}
	return best, best >= 0
}

// Evaluate classifies slots and marks the selected one.
func Evaluate(slots []SlotState, now time.Time, threshold int64) ([]SlotEvaluation, int, bool) {
	evals := ClassifySlots(slots, now, threshold)
	next, ok := SelectNext(evals)
	if ok {
		for i := range evals {
			if evals[i].SlotID == next {
				evals[i].Selected = true
			}
		}
	}
	return evals, next, ok
}
