package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/ndelcourt/recruitsync/internal/clients/backend"
	"github.com/ndelcourt/recruitsync/internal/domain/models"
	busevents "github.com/ndelcourt/recruitsync/internal/events"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) FetchOne(ctx context.Context, table string, id string, selectExpr string) (json.RawMessage, error) {
	args := m.Called(ctx, table, id, selectExpr)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(json.RawMessage), args.Error(1)
}

func (m *mockBackend) FetchMany(ctx context.Context, table string, query backend.Query) ([]json.RawMessage, int, error) {
	args := m.Called(ctx, table, query)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	rows := args.Get(0).([]json.RawMessage)
	return rows, len(rows), args.Error(2)
}

func applicationRow(id string, status models.Status) json.RawMessage {
	row, _ := json.Marshal(map[string]any{
		"id":             id,
		"candidate_id":   "cand-1",
		"company_id":     "comp-1",
		"job_id":         "job-1",
		"current_status": status,
		"jobs":           map[string]any{"title": "Night guard"},
		"profiles":       map[string]any{"firstname": "Ana"},
	})
	return row
}

func statusEventRows(events ...models.StatusEvent) []json.RawMessage {
	rows := make([]json.RawMessage, 0, len(events))
	for _, event := range events {
		row, _ := json.Marshal(event)
		rows = append(rows, row)
	}
	return rows
}

func insertEvent(id string, appID string, status models.Status, createdAt time.Time) models.ChangeEvent {
	row, _ := json.Marshal(models.StatusEvent{
		ID: id, ApplicationID: appID, Status: status, CreatedAt: createdAt,
	})
	return models.ChangeEvent{Type: models.ChangeInsert, Table: "application_status_events", New: row}
}

func loadedStore(t *testing.T, appID string, baseline ...models.StatusEvent) *Applications {
	client := &mockBackend{}
	client.On("FetchOne", mock.Anything, "applications", appID, mock.Anything).
		Return(applicationRow(appID, models.StatusApplied), nil)
	client.On("FetchMany", mock.Anything, "application_status_events", mock.Anything).
		Return(statusEventRows(baseline...), 0, nil)

	apps := NewApplications(EventBus.New(), client, nil, nil, 30*time.Second)
	_, err := apps.Load(context.Background(), appID)
	assert.NoError(t, err)
	return apps
}

func Test_Applications_Load_ShouldEstablishBaseline(t *testing.T) {

	assert := assert.New(t)
	t1 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	apps := loadedStore(t, "app-1",
		models.StatusEvent{ID: "ev-1", ApplicationID: "app-1", Status: models.StatusApplied, CreatedAt: t1})

	snap, ok := apps.GetSnapshot("app-1")
	assert.True(ok)
	assert.Equal(models.StatusApplied, snap.CurrentStatus())
	assert.Len(snap.StatusEvents, 1)
	assert.Equal("Night guard", snap.Application.Job["title"])
}

func Test_Applications_ApplyEvent_IsIdempotent(t *testing.T) {

	assert := assert.New(t)
	t1 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	apps := loadedStore(t, "app-1")
	event := insertEvent("ev-1", "app-1", models.StatusApplied, t1)

	apps.ApplyEvent("app-1", event)
	once, _ := apps.GetSnapshot("app-1")

	apps.ApplyEvent("app-1", event)
	twice, _ := apps.GetSnapshot("app-1")

	assert.Equal(once, twice)
	assert.Len(twice.StatusEvents, 1)
}

func Test_Applications_ApplyEvent_OrderInvariance(t *testing.T) {

	assert := assert.New(t)
	t1 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	earlier := insertEvent("ev-1", "app-1", models.StatusApplied, t1)
	later := insertEvent("ev-2", "app-1", models.StatusSelected, t2)

	inOrder := loadedStore(t, "app-1")
	inOrder.ApplyEvent("app-1", earlier)
	inOrder.ApplyEvent("app-1", later)

	reversed := loadedStore(t, "app-1")
	reversed.ApplyEvent("app-1", later)
	reversed.ApplyEvent("app-1", earlier)

	a, _ := inOrder.GetSnapshot("app-1")
	b, _ := reversed.GetSnapshot("app-1")

	assert.Equal(models.StatusSelected, a.CurrentStatus())
	assert.Equal(a.CurrentStatus(), b.CurrentStatus())
	assert.Equal(a.StatusEvents, b.StatusEvents)
}

func Test_Applications_ApplyEvent_UpdateReplacesInPlace(t *testing.T) {

	assert := assert.New(t)
	t1 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	apps := loadedStore(t, "app-1",
		models.StatusEvent{ID: "ev-1", ApplicationID: "app-1", Status: models.StatusApplied, CreatedAt: t1})

	fixed, _ := json.Marshal(models.StatusEvent{
		ID: "ev-1", ApplicationID: "app-1", Status: models.StatusSelected, CreatedAt: t1,
	})
	apps.ApplyEvent("app-1", models.ChangeEvent{
		Type: models.ChangeUpdate, Table: "application_status_events", New: fixed,
	})

	snap, _ := apps.GetSnapshot("app-1")
	assert.Len(snap.StatusEvents, 1)
	assert.Equal(models.StatusSelected, snap.CurrentStatus())
}

func Test_Applications_ApplicationRowUpdate_PreservesJoins(t *testing.T) {

	assert := assert.New(t)
	apps := loadedStore(t, "app-1")

	row, _ := json.Marshal(map[string]any{
		"id":                     "app-1",
		"current_status":         models.StatusApplied,
		"candidate_notification": true,
	})
	apps.ApplyEvent("app-1", models.ChangeEvent{
		Type: models.ChangeUpdate, Table: "applications", New: row,
	})

	snap, _ := apps.GetSnapshot("app-1")
	assert.True(snap.Application.CandidateNotification)
	assert.Equal("Night guard", snap.Application.Job["title"], "joins must survive row updates")
}

func Test_Applications_EventBeforeLoad_IsBufferedAndDrained(t *testing.T) {

	assert := assert.New(t)
	t1 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	client := &mockBackend{}
	client.On("FetchOne", mock.Anything, "applications", "app-1", mock.Anything).
		Return(applicationRow("app-1", models.StatusApplied), nil)
	client.On("FetchMany", mock.Anything, "application_status_events", mock.Anything).
		Return(statusEventRows(), 0, nil)

	apps := NewApplications(EventBus.New(), client, nil, nil, 30*time.Second)

	// no baseline yet: must not create a partial snapshot
	apps.ApplyEvent("app-1", insertEvent("ev-1", "app-1", models.StatusApplied, t1))
	_, ok := apps.GetSnapshot("app-1")
	assert.False(ok)

	_, err := apps.Load(context.Background(), "app-1")
	assert.NoError(err)

	snap, _ := apps.GetSnapshot("app-1")
	assert.Len(snap.StatusEvents, 1, "buffered event must be drained into the baseline")
}

func Test_Applications_LoadFailure_LeavesPriorSnapshotIntact(t *testing.T) {

	assert := assert.New(t)
	apps := loadedStore(t, "app-1")

	failing := &mockBackend{}
	failing.On("FetchOne", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("network down"))
	apps.backend = failing

	_, err := apps.Load(context.Background(), "app-1")
	assert.Error(err)

	snap, ok := apps.GetSnapshot("app-1")
	assert.True(ok, "failed load must not evict the cached snapshot")
	assert.Equal(models.StatusApplied, snap.CurrentStatus())
}

func Test_Applications_ConcurrentLoads_AreCoalesced(t *testing.T) {

	assert := assert.New(t)

	started := make(chan struct{})
	release := make(chan struct{})
	var fetches int
	var fetchMu sync.Mutex

	client := &mockBackend{}
	client.On("FetchOne", mock.Anything, "applications", "app-1", mock.Anything).
		Run(func(mock.Arguments) {
			fetchMu.Lock()
			fetches++
			if fetches == 1 {
				close(started)
			}
			fetchMu.Unlock()
			<-release
		}).
		Return(applicationRow("app-1", models.StatusApplied), nil)
	client.On("FetchMany", mock.Anything, "application_status_events", mock.Anything).
		Return(statusEventRows(), 0, nil)

	apps := NewApplications(EventBus.New(), client, nil, nil, 30*time.Second)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = apps.Load(context.Background(), "app-1")
	}()
	<-started
	go func() {
		defer wg.Done()
		_, _ = apps.Load(context.Background(), "app-1")
	}()

	time.Sleep(20 * time.Millisecond) // give the second load time to join the in-flight call
	close(release)
	wg.Wait()

	fetchMu.Lock()
	defer fetchMu.Unlock()
	assert.Equal(1, fetches, "second load must coalesce onto the in-flight fetch")
}

func Test_Applications_RejectionMidPipeline(t *testing.T) {

	assert := assert.New(t)
	t1 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	apps := loadedStore(t, "app-1")
	apps.ApplyEvent("app-1", insertEvent("ev-1", "app-1", models.StatusApplied, t1))
	apps.ApplyEvent("app-1", insertEvent("ev-2", "app-1", models.StatusSelected, t1.Add(time.Hour)))
	apps.ApplyEvent("app-1", insertEvent("ev-3", "app-1", models.StatusRejected, t1.Add(2*time.Hour)))

	snap, _ := apps.GetSnapshot("app-1")
	assert.Equal(models.StatusRejected, snap.CurrentStatus())

	steps := models.BuildTimeline(snap.StatusEvents)
	assert.Len(steps, 3)
	for _, step := range steps {
		assert.False(step.IsPending)
	}
}

func Test_Applications_SnapshotUpdated_IsPublishedOnBus(t *testing.T) {

	assert := assert.New(t)
	t1 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	client := &mockBackend{}
	client.On("FetchOne", mock.Anything, "applications", "app-1", mock.Anything).
		Return(applicationRow("app-1", models.StatusApplied), nil)
	client.On("FetchMany", mock.Anything, "application_status_events", mock.Anything).
		Return(statusEventRows(), 0, nil)

	bus := EventBus.New()
	var published []models.Status
	err := bus.Subscribe(busevents.SnapshotUpdatedTopic, func(e busevents.SnapshotUpdated) {
		published = append(published, e.Status)
	})
	assert.NoError(err)

	apps := NewApplications(bus, client, nil, nil, 30*time.Second)
	_, err = apps.Load(context.Background(), "app-1")
	assert.NoError(err)

	apps.ApplyEvent("app-1", insertEvent("ev-1", "app-1", models.StatusSelected, t1))

	assert.Equal([]models.Status{models.StatusApplied, models.StatusSelected}, published)
}

func Test_Applications_EventDuringReload_IsNotLostToStaleBaseline(t *testing.T) {

	assert := assert.New(t)
	t1 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	baseline := models.StatusEvent{ID: "ev-1", ApplicationID: "app-1", Status: models.StatusApplied, CreatedAt: t1}

	fetching := make(chan struct{})
	release := make(chan struct{})
	var fetchMu sync.Mutex
	var fetches int

	client := &mockBackend{}
	client.On("FetchOne", mock.Anything, "applications", "app-1", mock.Anything).
		Run(func(mock.Arguments) {
			fetchMu.Lock()
			fetches++
			reload := fetches == 2
			fetchMu.Unlock()
			if reload {
				close(fetching)
				<-release
			}
		}).
		Return(applicationRow("app-1", models.StatusApplied), nil)
	client.On("FetchMany", mock.Anything, "application_status_events", mock.Anything).
		Return(statusEventRows(baseline), 0, nil)

	apps := NewApplications(EventBus.New(), client, nil, nil, 30*time.Second)
	_, err := apps.Load(context.Background(), "app-1")
	assert.NoError(err)

	reloaded := make(chan struct{})
	go func() {
		_, _ = apps.Load(context.Background(), "app-1")
		close(reloaded)
	}()
	<-fetching

	// committed after the reload's baseline read, so the fetched rows do
	// not contain it
	apps.ApplyEvent("app-1", insertEvent("ev-2", "app-1", models.StatusSelected, t2))

	close(release)
	<-reloaded

	snap, _ := apps.GetSnapshot("app-1")
	assert.Equal(models.StatusSelected, snap.CurrentStatus())
	assert.Len(snap.StatusEvents, 2, "event delivered during the reload must survive the baseline swap")
}

func Test_Applications_Resync_RefetchesStatusMissedDuringOutage(t *testing.T) {

	assert := assert.New(t)
	t1 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	ev1 := models.StatusEvent{ID: "ev-1", ApplicationID: "app-1", Status: models.StatusApplied, CreatedAt: t1}
	ev2 := models.StatusEvent{ID: "ev-2", ApplicationID: "app-1", Status: models.StatusSelected, CreatedAt: t1.Add(time.Hour)}

	client := &mockBackend{}
	client.On("FetchOne", mock.Anything, "applications", "app-1", mock.Anything).
		Return(applicationRow("app-1", models.StatusApplied), nil)
	client.On("FetchMany", mock.Anything, "application_status_events", mock.Anything).
		Return(statusEventRows(ev1), 0, nil).Once()
	client.On("FetchMany", mock.Anything, "application_status_events", mock.Anything).
		Return(statusEventRows(ev1, ev2), 0, nil).Once()

	apps := NewApplications(EventBus.New(), client, nil, nil, 30*time.Second)
	_, err := apps.Load(context.Background(), "app-1")
	assert.NoError(err)

	// the selected status committed while the transport was down; its event
	// is gone for good, only the full refetch can recover it
	apps.Resync(context.Background())

	snap, _ := apps.GetSnapshot("app-1")
	assert.Equal(models.StatusSelected, snap.CurrentStatus())
	assert.Len(snap.StatusEvents, 2)
}

func Test_Applications_Resync_FailureLeavesPriorSnapshotIntact(t *testing.T) {

	assert := assert.New(t)
	t1 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	apps := loadedStore(t, "app-1",
		models.StatusEvent{ID: "ev-1", ApplicationID: "app-1", Status: models.StatusApplied, CreatedAt: t1})

	failing := &mockBackend{}
	failing.On("FetchOne", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("network down"))
	apps.backend = failing

	apps.Resync(context.Background())

	snap, ok := apps.GetSnapshot("app-1")
	assert.True(ok, "failed resync must not evict the cached snapshot")
	assert.Equal(models.StatusApplied, snap.CurrentStatus())
	assert.Len(snap.StatusEvents, 1)
}

type slowAnomalyRepo struct {
	entered  chan struct{}
	release  chan struct{}
	mu       sync.Mutex
	recorded []models.StatusAnomaly
}

func (r *slowAnomalyRepo) RecordAnomaly(_ context.Context, anomaly models.StatusAnomaly) error {
	close(r.entered)
	<-r.release

	r.mu.Lock()
	r.recorded = append(r.recorded, anomaly)
	r.mu.Unlock()
	return nil
}

func Test_Applications_AnomalyWrite_DoesNotBlockSnapshotReads(t *testing.T) {

	assert := assert.New(t)
	t1 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	repo := &slowAnomalyRepo{entered: make(chan struct{}), release: make(chan struct{})}

	client := &mockBackend{}
	client.On("FetchOne", mock.Anything, "applications", "app-1", mock.Anything).
		Return(applicationRow("app-1", models.StatusApplied), nil)
	client.On("FetchMany", mock.Anything, "application_status_events", mock.Anything).
		Return(statusEventRows(models.StatusEvent{
			ID: "ev-1", ApplicationID: "app-1", Status: models.StatusApplied, CreatedAt: t1,
		}), 0, nil)

	apps := NewApplications(EventBus.New(), client, nil, repo, 30*time.Second)
	_, err := apps.Load(context.Background(), "app-1")
	assert.NoError(err)

	// applied cannot jump straight to signed, so this insert is an anomaly
	go apps.ApplyEvent("app-1", insertEvent("ev-2", "app-1", models.StatusSignedPro, t1.Add(time.Hour)))
	<-repo.entered

	read := make(chan struct{})
	go func() {
		_, _ = apps.GetSnapshot("app-1")
		close(read)
	}()
	select {
	case <-read:
	case <-time.After(time.Second):
		assert.Fail("snapshot read stalled behind the anomaly write")
	}

	close(repo.release)
	assert.Eventually(func() bool {
		repo.mu.Lock()
		defer repo.mu.Unlock()
		return len(repo.recorded) == 1 && repo.recorded[0].ToStatus == models.StatusSignedPro
	}, time.Second, 5*time.Millisecond)
}
