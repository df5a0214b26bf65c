package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ndelcourt/recruitsync/internal/config"
	"github.com/ndelcourt/recruitsync/internal/domain/models"
	"github.com/stretchr/testify/assert"
	tassert "github.com/stretchr/testify/assert"
)

type fakeChannel struct {
	name     string
	handlers []patternHandler
	closed   bool
}

func (c *fakeChannel) On(pattern EventPattern, handler func(models.ChangeEvent)) {
	c.handlers = append(c.handlers, patternHandler{pattern: pattern, handler: handler})
}

func (c *fakeChannel) Subscribe() error { return nil }

func (c *fakeChannel) Close() error {
	c.closed = true
	return nil
}

func (c *fakeChannel) push(event models.ChangeEvent) {
	for _, ph := range c.handlers {
		if ph.pattern.Matches(event) {
			ph.handler(event)
		}
	}
}

type fakeTransport struct {
	mu           sync.Mutex
	opened       []*fakeChannel
	connectCalls int
	failConnects int
	disconnected chan error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{disconnected: make(chan error, 1)}
}

func (t *fakeTransport) Connect(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectCalls++
	if t.failConnects > 0 {
		t.failConnects--
		return assert.AnError
	}
	return nil
}

func (t *fakeTransport) OpenChannel(name string) (Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := &fakeChannel{name: name}
	t.opened = append(t.opened, ch)
	return ch, nil
}

func (t *fakeTransport) Disconnected() <-chan error { return t.disconnected }

func (t *fakeTransport) Close() error { return nil }

func testConfig() config.RealtimeConfig {
	return config.RealtimeConfig{
		URL:              "wss://test",
		ReconnectBase:    time.Millisecond,
		ReconnectCap:     4 * time.Millisecond,
		DedupTTL:         time.Minute,
		PendingBufferTTL: 30 * time.Second,
	}
}

func statusEventChange(id string, status models.Status, createdAt time.Time) models.ChangeEvent {
	row, _ := json.Marshal(models.StatusEvent{
		ID:            id,
		ApplicationID: "app-1",
		Status:        status,
		CreatedAt:     createdAt,
	})
	return models.ChangeEvent{Type: models.ChangeInsert, Table: "application_status_events", New: row}
}

func Test_Subscriber_WhenEventRedelivered_ShouldDeliverOnce(t *testing.T) {

	transport := newFakeTransport()
	subscriber := NewSubscriber(transport, testConfig())

	var delivered int
	_, err := subscriber.Subscribe("application:app-1",
		EventPattern{Table: "application_status_events"},
		func(models.ChangeEvent) { delivered++ })
	assert.NoError(t, err)

	event := statusEventChange("ev-1", models.StatusSelected, time.Now())
	transport.opened[0].push(event)
	transport.opened[0].push(event)

	assert.Equal(t, 1, delivered)
}

func Test_Subscriber_DistinctEvents_ShouldAllBeDelivered(t *testing.T) {

	transport := newFakeTransport()
	subscriber := NewSubscriber(transport, testConfig())

	var delivered int
	_, err := subscriber.Subscribe("application:app-1",
		EventPattern{Table: "application_status_events"},
		func(models.ChangeEvent) { delivered++ })
	assert.NoError(t, err)

	base := time.Now()
	transport.opened[0].push(statusEventChange("ev-1", models.StatusApplied, base))
	transport.opened[0].push(statusEventChange("ev-2", models.StatusSelected, base.Add(time.Minute)))

	assert.Equal(t, 2, delivered)
}

func Test_Subscriber_TwoHandles_ShouldShareOneChannel(t *testing.T) {

	assert := assert.New(t)
	transport := newFakeTransport()
	subscriber := NewSubscriber(transport, testConfig())

	pattern := EventPattern{Table: "application_status_events"}
	h1, err := subscriber.Subscribe("application:app-1", pattern, func(models.ChangeEvent) {})
	assert.NoError(err)
	h2, err := subscriber.Subscribe("application:app-1", pattern, func(models.ChangeEvent) {})
	assert.NoError(err)

	assert.Len(transport.opened, 1)

	h1.Unsubscribe()
	assert.False(transport.opened[0].closed)

	h2.Unsubscribe()
	assert.True(transport.opened[0].closed)

	// safe to release twice
	h2.Unsubscribe()
}

func Test_Subscriber_EachHandleGetsTheEvent(t *testing.T) {

	transport := newFakeTransport()
	subscriber := NewSubscriber(transport, testConfig())

	pattern := EventPattern{Table: "application_status_events"}
	var first, second int
	_, _ = subscriber.Subscribe("application:app-1", pattern, func(models.ChangeEvent) { first++ })
	_, _ = subscriber.Subscribe("application:app-1", pattern, func(models.ChangeEvent) { second++ })

	transport.opened[0].push(statusEventChange("ev-1", models.StatusApplied, time.Now()))

	assert.Equal(t, 1, first)
	assert.Equal(t, 1, second)
}

func Test_Subscriber_PatternFilter_ShouldDropForeignRows(t *testing.T) {

	transport := newFakeTransport()
	subscriber := NewSubscriber(transport, testConfig())

	var delivered int
	_, _ = subscriber.Subscribe("application:app-1",
		EventPattern{Table: "application_status_events", Filter: "application_id=eq.app-1"},
		func(models.ChangeEvent) { delivered++ })

	matching := statusEventChange("ev-1", models.StatusApplied, time.Now())
	transport.opened[0].push(matching)

	foreignRow, _ := json.Marshal(models.StatusEvent{ID: "ev-2", ApplicationID: "app-9", Status: models.StatusApplied})
	transport.opened[0].push(models.ChangeEvent{
		Type: models.ChangeInsert, Table: "application_status_events", New: foreignRow,
	})

	assert.Equal(t, 1, delivered)
}

func Test_Subscriber_AfterReconnect_ShouldFireResyncAndResubscribe(t *testing.T) {

	assert := assert.New(t)
	transport := newFakeTransport()
	transport.failConnects = 2 // first Connect inside Run succeeds after two retries

	subscriber := NewSubscriber(transport, testConfig())

	resynced := make(chan struct{}, 1)
	subscriber.OnResync(func() { resynced <- struct{}{} })

	_, err := subscriber.Subscribe("application:app-1",
		EventPattern{Table: "application_status_events"}, func(models.ChangeEvent) {})
	assert.NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	assert.NoError(subscriber.Run(ctx))

	transport.disconnected <- tassert.AnError

	select {
	case <-resynced:
	case <-time.After(time.Second):
		t.Fatal("resync hook was not fired after reconnect")
	}

	transport.mu.Lock()
	defer transport.mu.Unlock()
	assert.GreaterOrEqual(len(transport.opened), 2, "channel must be reopened on the new connection")
}

func Test_Subscriber_SecondSubscribeWithDifferentPattern_ShouldFail(t *testing.T) {

	transport := newFakeTransport()
	subscriber := NewSubscriber(transport, testConfig())

	pattern := EventPattern{Table: "applications", Filter: "candidate_id=eq.user-1"}
	_, err := subscriber.Subscribe("user:user-1:applications", pattern, func(models.ChangeEvent) {})
	assert.NoError(t, err)

	// the key owns its pattern; a conflicting filter must not silently
	// inherit the original one
	other := EventPattern{Table: "applications", Filter: "candidate_id=eq.user-2"}
	_, err = subscriber.Subscribe("user:user-1:applications", other, func(models.ChangeEvent) {})
	assert.Error(t, err)

	_, err = subscriber.Subscribe("user:user-1:applications", pattern, func(models.ChangeEvent) {})
	assert.NoError(t, err)
	assert.Len(t, transport.opened, 1, "matching pattern must reuse the existing channel")
}
