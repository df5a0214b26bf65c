package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/ndelcourt/recruitsync/internal/clients/backend"
	"github.com/ndelcourt/recruitsync/internal/domain/models"
	"github.com/ndelcourt/recruitsync/internal/events"
	"github.com/ndelcourt/recruitsync/internal/logger"
	"github.com/ndelcourt/recruitsync/internal/metrics"
	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const applicationSelect = "*,jobs(*),profiles(*),companies(*)"

type backendClient interface {
	FetchOne(ctx context.Context, table string, id string, selectExpr string) (json.RawMessage, error)
	FetchMany(ctx context.Context, table string, query backend.Query) ([]json.RawMessage, int, error)
}

type snapshotRepository interface {
	SaveSnapshot(ctx context.Context, applicationID string, value []byte) error
	LoadSnapshots(ctx context.Context) (map[string][]byte, error)
}

type anomalyRepository interface {
	RecordAnomaly(ctx context.Context, anomaly models.StatusAnomaly) error
}

// Snapshot is the immutable cached view of one application: the row with its
// joined relations plus the ordered status-event log. Callers always receive
// a copy and re-render from it.
type Snapshot struct {
	Application  models.Application
	StatusEvents []models.StatusEvent
}

func (s *Snapshot) CurrentStatus() models.Status {
	return s.Application.CurrentStatus
}

func (s *Snapshot) clone() *Snapshot {
	c := &Snapshot{Application: s.Application}
	c.StatusEvents = make([]models.StatusEvent, len(s.StatusEvents))
	copy(c.StatusEvents, s.StatusEvents)
	return c
}

type loadCall struct {
	done chan struct{}
	snap *Snapshot
	err  error
}

// Applications maintains the per-application snapshots and reconciles change
// events into them. Each snapshot key has exactly one writer: the
// reconciliation path guarded by mu. Readers only ever see fully formed
// snapshots because replacement is copy-on-write.
type Applications struct {
	backend   backendClient
	repo      snapshotRepository
	anomalies anomalyRepository
	bus       EventBus.Bus

	mu        sync.Mutex
	snapshots map[string]*Snapshot
	inflight  map[string]*loadCall
	pending   *gocache.Cache
}

func NewApplications(bus EventBus.Bus, client backendClient, repo snapshotRepository,
	anomalies anomalyRepository, pendingTTL time.Duration) *Applications {

	a := &Applications{
		backend:   client,
		repo:      repo,
		anomalies: anomalies,
		bus:       bus,
		snapshots: map[string]*Snapshot{},
		inflight:  map[string]*loadCall{},
		pending:   gocache.New(pendingTTL, pendingTTL),
	}

	a.pending.OnEvicted(func(applicationID string, value interface{}) {
		buffered, _ := value.([]models.ChangeEvent)
		metrics.BufferedEventsDroppedCounter.Add(float64(len(buffered)))
		log.Debugf("dropped %d buffered events for unloaded application %s", len(buffered), applicationID)
	})

	return a
}

// Load performs the authoritative baseline fetch for an application.
// Concurrent loads for the same key coalesce onto a single backend round
// trip. A failed load leaves any previously cached snapshot untouched.
func (a *Applications) Load(ctx context.Context, applicationID string) (*Snapshot, error) {

	a.mu.Lock()
	if call, running := a.inflight[applicationID]; running {
		a.mu.Unlock()
		<-call.done
		if call.err != nil {
			return nil, call.err
		}
		return call.snap.clone(), nil
	}

	call := &loadCall{done: make(chan struct{})}
	a.inflight[applicationID] = call
	a.mu.Unlock()

	start := time.Now()
	snap, err := a.fetchBaseline(ctx, applicationID)
	metrics.LoadDuration.Observe(time.Since(start).Seconds())

	a.mu.Lock()
	delete(a.inflight, applicationID)
	if err != nil {
		call.err = err
		a.mu.Unlock()
		close(call.done)
		return nil, err
	}

	a.snapshots[applicationID] = snap
	anomalies := a.drainPendingLocked(applicationID)
	snap = a.snapshots[applicationID]
	call.snap = snap
	a.mu.Unlock()
	close(call.done)

	for i := range anomalies {
		a.recordAnomaly(&anomalies[i])
	}
	a.publish(snap)
	a.persist(snap)
	return snap.clone(), nil
}

func (a *Applications) fetchBaseline(ctx context.Context, applicationID string) (*Snapshot, error) {

	row, err := a.backend.FetchOne(ctx, "applications", applicationID, applicationSelect)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch application")
	}

	var application models.Application
	if err := json.Unmarshal(row, &application); err != nil {
		return nil, errors.Wrap(err, "failed to decode application")
	}

	rows, _, err := a.backend.FetchMany(ctx, "application_status_events", backend.Query{
		Filter:   map[string]string{"application_id": "eq." + applicationID},
		Order:    "created_at.asc",
		Page:     1,
		PageSize: 100,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch status events")
	}

	snap := &Snapshot{Application: application}
	for _, raw := range rows {
		var event models.StatusEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			return nil, errors.Wrap(err, "failed to decode status event")
		}
		snap.StatusEvents = append(snap.StatusEvents, event)
	}

	sortEvents(snap.StatusEvents)
	recomputeCurrentStatus(snap)
	return snap, nil
}

// GetSnapshot returns the current immutable view, if the application has been
// loaded or restored.
func (a *Applications) GetSnapshot(applicationID string) (*Snapshot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap, ok := a.snapshots[applicationID]
	if !ok {
		return nil, false
	}
	return snap.clone(), true
}

// ApplyEvent reconciles one change event into the application's snapshot.
// Events for applications without a baseline are buffered for the pending
// TTL and drained when Load completes; reconciliation itself never fails,
// malformed events are dropped with a diagnostic log.
func (a *Applications) ApplyEvent(applicationID string, event models.ChangeEvent) {

	a.mu.Lock()
	if _, loading := a.inflight[applicationID]; loading {
		// a baseline read before this event committed would silently drop
		// it on replacement; park the event and let the load drain it on
		// top of the fresh baseline
		a.bufferLocked(applicationID, event)
		a.mu.Unlock()
		return
	}
	snap, loaded := a.snapshots[applicationID]
	if !loaded {
		a.bufferLocked(applicationID, event)
		a.mu.Unlock()
		return
	}

	next, anomaly := a.reconcile(snap.clone(), event)
	if next == nil {
		a.mu.Unlock()
		return
	}
	a.snapshots[applicationID] = next
	a.mu.Unlock()

	a.recordAnomaly(anomaly)
	a.publish(next)
	a.persist(next)
}

func (a *Applications) bufferLocked(applicationID string, event models.ChangeEvent) {
	var buffered []models.ChangeEvent
	if value, found := a.pending.Get(applicationID); found {
		buffered = value.([]models.ChangeEvent)
	}
	a.pending.SetDefault(applicationID, append(buffered, event))
}

func (a *Applications) drainPendingLocked(applicationID string) []models.StatusAnomaly {
	value, found := a.pending.Get(applicationID)
	if !found {
		return nil
	}
	a.pending.Delete(applicationID)

	var anomalies []models.StatusAnomaly
	snap := a.snapshots[applicationID]
	for _, event := range value.([]models.ChangeEvent) {
		next, anomaly := a.reconcile(snap.clone(), event)
		if anomaly != nil {
			anomalies = append(anomalies, *anomaly)
		}
		if next != nil {
			snap = next
		}
	}
	a.snapshots[applicationID] = snap
	return anomalies
}

// reconcile returns the successor snapshot, or nil when the event changes
// nothing, plus any detected ordering anomaly. The rules are commutative
// across channels: current status is always taken from the event with the
// greatest created_at, never from arrival order. Callers hold the mutex, so
// the anomaly is returned for recording after release rather than written
// here.
func (a *Applications) reconcile(snap *Snapshot, event models.ChangeEvent) (*Snapshot, *models.StatusAnomaly) {

	switch event.Table {
	case "application_status_events":
		return a.reconcileStatusEvent(snap, event)
	case "applications":
		return a.reconcileApplicationRow(snap, event), nil
	default:
		log.Debugf("ignoring change event for unrelated table %s", event.Table)
		return nil, nil
	}
}

func (a *Applications) reconcileStatusEvent(snap *Snapshot, event models.ChangeEvent) (*Snapshot, *models.StatusAnomaly) {

	if event.Type == models.ChangeDelete {
		// the status log is append-only; a delete means someone fixed data
		// by hand, the next full load will pick it up
		return nil, nil
	}

	statusEvent, err := event.DecodeNewStatusEvent()
	if err != nil {
		log.Errorf("malformed status event dropped: %v", err)
		return nil, nil
	}

	var anomaly *models.StatusAnomaly
	switch event.Type {
	case models.ChangeInsert:
		if containsEvent(snap.StatusEvents, statusEvent.ID) {
			return nil, nil
		}
		anomaly = detectAnomaly(snap, statusEvent)
		snap.StatusEvents = append(snap.StatusEvents, statusEvent)
		sortEvents(snap.StatusEvents)
	case models.ChangeUpdate:
		replaced := false
		for i := range snap.StatusEvents {
			if snap.StatusEvents[i].ID == statusEvent.ID {
				snap.StatusEvents[i] = statusEvent
				replaced = true
				break
			}
		}
		if !replaced {
			snap.StatusEvents = append(snap.StatusEvents, statusEvent)
		}
		sortEvents(snap.StatusEvents)
	}

	recomputeCurrentStatus(snap)
	return snap, anomaly
}

func (a *Applications) reconcileApplicationRow(snap *Snapshot, event models.ChangeEvent) *Snapshot {

	if event.Type != models.ChangeUpdate && event.Type != models.ChangeInsert {
		return nil
	}

	var row models.Application
	if err := json.Unmarshal(event.New, &row); err != nil {
		log.Errorf("malformed application row dropped: %v", err)
		return nil
	}

	// merge scalar fields only; the joins were fetched at load time and the
	// change event does not carry them
	snap.Application.CurrentStatus = row.CurrentStatus
	snap.Application.CandidateNotification = row.CandidateNotification
	snap.Application.CompanyNotification = row.CompanyNotification
	snap.Application.UpdatedAt = row.UpdatedAt

	recomputeCurrentStatus(snap)
	return snap
}

func detectAnomaly(snap *Snapshot, incoming models.StatusEvent) *models.StatusAnomaly {

	if len(snap.StatusEvents) == 0 {
		return nil
	}
	last := snap.StatusEvents[len(snap.StatusEvents)-1]
	if last.CreatedAt.After(incoming.CreatedAt) || last.Status.IsLegalSuccessor(incoming.Status) {
		return nil
	}

	return &models.StatusAnomaly{
		ApplicationID: incoming.ApplicationID,
		EventID:       incoming.ID,
		FromStatus:    last.Status,
		ToStatus:      incoming.Status,
	}
}

// recordAnomaly runs outside the snapshot mutex: the sqlite write must never
// stall readers or reconciliation.
func (a *Applications) recordAnomaly(anomaly *models.StatusAnomaly) {
	if anomaly == nil {
		return
	}

	metrics.StatusAnomaliesCounter.Inc()
	log.Warnf("out-of-order status for application %s: %s does not follow %s (event %s)",
		anomaly.ApplicationID, anomaly.ToStatus, anomaly.FromStatus, anomaly.EventID)

	if a.anomalies == nil {
		return
	}
	if err := a.anomalies.RecordAnomaly(context.Background(), *anomaly); err != nil {
		log.WithField(logger.ErrorTypeField, logger.ErrorTypeDb).
			Errorf("failed to record status anomaly: %v", err)
	}
}

// Resync re-fetches the baseline of every cached application. Wired as the
// subscriber's resync hook: events missed during an outage never arrive, the
// full fetch is the only recovery.
func (a *Applications) Resync(ctx context.Context) {
	a.mu.Lock()
	ids := make([]string, 0, len(a.snapshots))
	for id := range a.snapshots {
		ids = append(ids, id)
	}
	a.mu.Unlock()

	for _, id := range ids {
		if _, err := a.Load(ctx, id); err != nil {
			log.WithField(logger.ErrorTypeField, logger.ErrorTypeBackendApi).
				Errorf("resync failed for application %s: %v", id, err)
		}
	}
}

// Restore replays locally persisted snapshots so the UI can render before
// the first network round trip after a cold start.
func (a *Applications) Restore(ctx context.Context) error {
	if a.repo == nil {
		return nil
	}

	persisted, err := a.repo.LoadSnapshots(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to load persisted snapshots")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for applicationID, value := range persisted {
		var snap Snapshot
		if err := json.Unmarshal(value, &snap); err != nil {
			log.Errorf("corrupt persisted snapshot for %s dropped: %v", applicationID, err)
			continue
		}
		if _, exists := a.snapshots[applicationID]; !exists {
			a.snapshots[applicationID] = &snap
		}
	}
	return nil
}

func (a *Applications) publish(snap *Snapshot) {
	if a.bus == nil {
		return
	}
	a.bus.Publish(events.SnapshotUpdatedTopic, events.SnapshotUpdated{
		ApplicationID: snap.Application.ID,
		Status:        snap.Application.CurrentStatus,
	})
}

func (a *Applications) persist(snap *Snapshot) {
	if a.repo == nil {
		return
	}
	value, err := json.Marshal(snap)
	if err != nil {
		return
	}
	err = a.repo.SaveSnapshot(context.Background(), snap.Application.ID, value)
	if err != nil {
		log.WithField(logger.ErrorTypeField, logger.ErrorTypeDb).
			Errorf("failed to persist snapshot for %s: %v", snap.Application.ID, err)
	}
}

func sortEvents(events []models.StatusEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})
}

func recomputeCurrentStatus(snap *Snapshot) {
	if len(snap.StatusEvents) == 0 {
		return
	}
	snap.Application.CurrentStatus = snap.StatusEvents[len(snap.StatusEvents)-1].Status
}

func containsEvent(events []models.StatusEvent, id string) bool {
	for _, event := range events {
		if event.ID == id {
			return true
		}
	}
	return false
}
