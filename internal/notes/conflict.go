package notes

import "time"

// Decision names what the authority did with one incoming change.
type Decision string

const (
	// DecisionInserted means the note was unknown and has been stored verbatim.
	DecisionInserted Decision = "inserted"
	// DecisionUpdated means the change was strictly newer and replaced the stored fields.
	DecisionUpdated Decision = "updated"
	// DecisionDeleted means a tombstone hard-removed the stored record.
	DecisionDeleted Decision = "deleted"
	// DecisionDeleteMissing means a tombstone targeted a record the authority does not hold.
	DecisionDeleteMissing Decision = "delete_missing"
	// DecisionDiscarded means the change was not strictly newer and was dropped.
	DecisionDiscarded Decision = "discarded"
)

// Accepted reports whether the decision modified the durable table.
func (decision Decision) Accepted() bool {
	switch decision {
	case DecisionInserted, DecisionUpdated, DecisionDeleted:
		return true
	default:
		return false
	}
}

func resolveChange(existing *Record, change Change) Decision {
	if change.Deleted() {
		if existing == nil {
			return DecisionDeleteMissing
		}
		return DecisionDeleted
	}
	if existing == nil {
		return DecisionInserted
	}
	if change.UpdatedAt().After(existing.updatedAt()) {
		return DecisionUpdated
	}
	return DecisionDiscarded
}

// mergeRecord overlays the supplied change fields on the stored row and stamps the
// authority-side modification instant.
func mergeRecord(existing Record, change Change, changedAt time.Time) Record {
	merged := existing
	if title, ok := change.Title(); ok {
		merged.Title = title
	}
	if body, ok := change.Body(); ok {
		merged.Body = body
	}
	merged.UpdatedAtISO = change.UpdatedAt().String()
	merged.UpdatedAtNanos = change.UpdatedAt().UnixNano()
	merged.ChangedAtNanos = changedAt.UTC().UnixNano()
	return merged
}
