package services

import (
	"testing"

	"github.com/ndelcourt/recruitsync/internal/domain/models"
	"github.com/ndelcourt/recruitsync/internal/store"
	"github.com/stretchr/testify/assert"
)

type fakeSnapshotSource struct {
	snapshots map[string]*store.Snapshot
}

func (f *fakeSnapshotSource) GetSnapshot(applicationID string) (*store.Snapshot, bool) {
	snap, ok := f.snapshots[applicationID]
	return snap, ok
}

func snapshotWithStatus(status models.Status) *store.Snapshot {
	return &store.Snapshot{
		Application: models.Application{ID: "app-1", CurrentStatus: status},
	}
}

func Test_MessagingGate_WhenApplicationRejected_ShouldBeReadOnly(t *testing.T) {

	gate := NewMessagingGate(&fakeSnapshotSource{snapshots: map[string]*store.Snapshot{
		"app-1": snapshotWithStatus(models.StatusRejected),
	}})

	assert.True(t, gate.IsReadOnly("app-1"))
}

func Test_MessagingGate_WhenPipelineActive_ShouldAllowWrites(t *testing.T) {

	source := &fakeSnapshotSource{snapshots: map[string]*store.Snapshot{}}
	gate := NewMessagingGate(source)

	for _, status := range []models.Status{
		models.StatusApplied, models.StatusSelected, models.StatusContractSent,
		models.StatusSignedCandidate, models.StatusSignedPro,
	} {
		source.snapshots["app-1"] = snapshotWithStatus(status)
		assert.False(t, gate.IsReadOnly("app-1"), "status %s must stay writable", status)
	}
}

func Test_MessagingGate_WhenSnapshotNotLoaded_ShouldAllowWrites(t *testing.T) {

	gate := NewMessagingGate(&fakeSnapshotSource{snapshots: map[string]*store.Snapshot{}})

	assert.False(t, gate.IsReadOnly("unknown"))
}
