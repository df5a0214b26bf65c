package models

import (
	"sort"
	"time"

	"github.com/samber/lo"
)

// Step is one entry of the UI timeline. A pending step is synthesized and
// carries no CreatedAt.
type Step struct {
	Status    Status
	ActorRole ActorRole
	CreatedAt time.Time
	IsPending bool
}

// DescriptionKey selects the text-table key the UI renders this step with.
// Pending steps share one key regardless of the viewer's role.
func (s Step) DescriptionKey(viewer ActorRole) string {
	if s.IsPending {
		return string(s.Status) + ".pending"
	}
	return string(s.Status) + "." + string(viewer)
}

// BuildTimeline turns an application's status-event log into the ordered
// sequence of timeline steps. When the pipeline is still in flight the next
// expected status is appended as a synthetic pending step. The function is
// pure: it is recomputed from scratch on every snapshot change.
func BuildTimeline(events []StatusEvent) []Step {
	if len(events) == 0 {
		return nil
	}

	ordered := make([]StatusEvent, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	steps := lo.Map(ordered, func(ev StatusEvent, _ int) Step {
		return Step{
			Status:    ev.Status,
			ActorRole: ev.ActorRole,
			CreatedAt: ev.CreatedAt,
		}
	})

	last := ordered[len(ordered)-1].Status
	if last.IsTerminal() {
		return steps
	}

	if next, ok := last.Next(); ok {
		steps = append(steps, Step{Status: next, IsPending: true})
	}
	return steps
}
