package services

import (
	"github.com/ndelcourt/recruitsync/internal/store"
)

type snapshotSource interface {
	GetSnapshot(applicationID string) (*store.Snapshot, bool)
}

// MessagingGate answers whether the messaging thread of an application is
// read-only. Write capability is a derived property of the current status,
// never stored: the gate holds no state of its own and is re-evaluated on
// every snapshot change.
type MessagingGate struct {
	snapshots snapshotSource
}

func NewMessagingGate(snapshots snapshotSource) *MessagingGate {
	return &MessagingGate{snapshots: snapshots}
}

// IsReadOnly is true once the application is rejected. An application with no
// loaded snapshot is treated as writable; the screen cannot open a thread
// without loading the application first anyway.
func (g *MessagingGate) IsReadOnly(applicationID string) bool {
	snap, ok := g.snapshots.GetSnapshot(applicationID)
	if !ok {
		return false
	}
	return snap.CurrentStatus().IsReadOnlyMessaging()
}
