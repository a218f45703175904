package types

// attemptRank orders the progressing statuses. Opened and clicked are
// peers: whichever arrives first is kept. Absorbing statuses are handled
// separately and have no rank.
var attemptRank = map[AttemptStatus]int{
	AttemptQueued:    0,
	AttemptSent:      1,
	AttemptDelivered: 2,
	AttemptOpened:    3,
	AttemptClicked:   3,
}

// IsAbsorbing reports whether s accepts no further status changes.
func (s AttemptStatus) IsAbsorbing() bool {
	switch s {
	case AttemptFailed, AttemptBounced, AttemptUnsubscribed:
		return true
	}
	return false
}

// IsValid reports whether s is a known attempt status.
func (s AttemptStatus) IsValid() bool {
	_, ok := attemptRank[s]
	return ok || s.IsAbsorbing()
}

// IsEngaged reports whether s counts as delivered-or-better for stop checks.
func (s AttemptStatus) IsEngaged() bool {
	return s == AttemptDelivered || s == AttemptOpened || s == AttemptClicked
}

// Reached reports whether an attempt in status s is already at or past
// target. Absorbing statuses reach nothing and are reached by nothing.
func (s AttemptStatus) Reached(target AttemptStatus) bool {
	from, ok := attemptRank[s]
	if !ok {
		return false
	}
	to, ok := attemptRank[target]
	return ok && from >= to
}

// CanTransition reports whether an attempt in status from may move to to.
// Progressing statuses only move forward (queued < sent < delivered <
// opened = clicked); failed, bounced and unsubscribed are absorbing and
// reachable from any progressing status.
func CanTransition(from, to AttemptStatus) bool {
	if from == to || from.IsAbsorbing() || !to.IsValid() {
		return false
	}
	if to.IsAbsorbing() {
		return true
	}
	return attemptRank[to] > attemptRank[from]
}

// Milestone reports which timestamp a status records the first time it is
// observed. Zero value means none.
type Milestone string

const (
	MilestoneNone      Milestone = ""
	MilestoneDelivered Milestone = "delivered"
	MilestoneOpened    Milestone = "opened"
	MilestoneClicked   Milestone = "clicked"
)

// Milestone returns the timestamp milestone for s.
func (s AttemptStatus) Milestone() Milestone {
	switch s {
	case AttemptDelivered:
		return MilestoneDelivered
	case AttemptOpened:
		return MilestoneOpened
	case AttemptClicked:
		return MilestoneClicked
	}
	return MilestoneNone
}
