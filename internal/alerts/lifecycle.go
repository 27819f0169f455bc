package alerts

import "github.com/Kocoro-lab/consistency-engine/internal/models"

// rank places each status on the one-directional review ladder.
func rank(s models.AlertStatus) int {
	switch s {
	case models.AlertNew:
		return 0
	case models.AlertOpen, models.AlertAcknowledged:
		return 1
	case models.AlertInProgress:
		return 2
	case models.AlertResolved, models.AlertDismissed, models.AlertAutoResolved:
		return 3
	}
	return -1
}

// ValidStatus reports whether s is a known status.
func ValidStatus(s models.AlertStatus) bool { return rank(s) >= 0 }

// CanTransition reports whether from → to is a legal edge: any move to a
// strictly higher rank, or the explicit reopen of a resolved or dismissed
// alert.
func CanTransition(from, to models.AlertStatus) bool {
	if !ValidStatus(from) || !ValidStatus(to) {
		return false
	}
	if IsReopen(from, to) {
		return true
	}
	return rank(to) > rank(from)
}

// CanTransitionAs is CanTransition plus the edges reserved to actor. The
// system may move an auto_resolved alert back to open when its cause is
// detected again.
func CanTransitionAs(from, to models.AlertStatus, actor string) bool {
	if actor == SystemActor && IsRedetect(from, to) {
		return true
	}
	return CanTransition(from, to)
}

// IsRedetect reports whether from → to is the system reopen of an alert
// whose cause came back after it was auto-resolved.
func IsRedetect(from, to models.AlertStatus) bool {
	return from == models.AlertAutoResolved && to == models.AlertOpen
}

// IsReopen reports whether from → to is the reopen edge.
func IsReopen(from, to models.AlertStatus) bool {
	return to == models.AlertOpen && (from == models.AlertResolved || from == models.AlertDismissed)
}
