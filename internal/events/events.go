package events

import "github.com/ndelcourt/recruitsync/internal/domain/models"

var SnapshotUpdatedTopic = "SnapshotUpdatedEvent"

// SnapshotUpdated is published on the bus every time reconciliation produced
// a new immutable snapshot for an application.
type SnapshotUpdated struct {
	ApplicationID string
	Status        models.Status
}

var UnreadCountChangedTopic = "UnreadCountChangedEvent"

type UnreadCountChanged struct {
	RecipientID string
	Count       int
}
