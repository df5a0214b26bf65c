package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ndelcourt/recruitsync/internal/config"
	"github.com/ndelcourt/recruitsync/internal/domain/models"
	"github.com/ndelcourt/recruitsync/internal/logger"
	"github.com/ndelcourt/recruitsync/internal/metrics"
	gocache "github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
)

// Subscriber owns the process-wide channel registry. Channels are
// reference-counted per key: two screens watching the same application share
// one underlying transport subscription, and the transport channel is closed
// only when the last handle is released.
//
// Delivery to a handle is exactly once per event even though the transport is
// at-least-once: redeliveries are dropped by a per-handle TTL cache keyed on
// (event type, row id, row updated_at).
type Subscriber struct {
	transport Transport
	cfg       config.RealtimeConfig

	mu        sync.Mutex
	channels  map[string]*channelEntry
	resyncFns []func()
}

type channelEntry struct {
	key     string
	pattern EventPattern
	channel Channel
	handles map[uuid.UUID]*Handle
}

// Handle is one registration on a channel. Unsubscribe is idempotent and
// mandatory on screen unmount: a leaked handle double-counts every later
// event when the screen remounts.
type Handle struct {
	id         uuid.UUID
	subscriber *Subscriber
	channelKey string
	onEvent    func(models.ChangeEvent)
	dedup      *gocache.Cache
	once       sync.Once
}

func NewSubscriber(transport Transport, cfg config.RealtimeConfig) *Subscriber {
	return &Subscriber{
		transport: transport,
		cfg:       cfg,
		channels:  map[string]*channelEntry{},
	}
}

// Subscribe opens (or reuses) the channel identified by channelKey and starts
// delivering matching events to onEvent. The channel key owns its pattern:
// the first subscriber fixes it, and a later subscriber passing a different
// pattern for the same key is rejected instead of silently inheriting the
// original filter.
func (s *Subscriber) Subscribe(channelKey string, pattern EventPattern,
	onEvent func(models.ChangeEvent)) (*Handle, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	handle := &Handle{
		id:         uuid.New(),
		subscriber: s,
		channelKey: channelKey,
		onEvent:    onEvent,
		dedup:      gocache.New(s.cfg.DedupTTL, 2*s.cfg.DedupTTL),
	}

	entry, exists := s.channels[channelKey]
	if exists && entry.pattern != pattern {
		return nil, fmt.Errorf("channel %s is already subscribed with a different pattern", channelKey)
	}
	if !exists {
		channel, err := s.transport.OpenChannel(channelKey)
		if err != nil {
			return nil, err
		}

		entry = &channelEntry{
			key:     channelKey,
			pattern: pattern,
			channel: channel,
			handles: map[uuid.UUID]*Handle{},
		}
		channel.On(pattern, func(event models.ChangeEvent) { s.dispatch(channelKey, event) })
		if err := channel.Subscribe(); err != nil {
			return nil, err
		}
		s.channels[channelKey] = entry
		log.Debugf("opened channel %s", channelKey)
	}

	entry.handles[handle.id] = handle
	return handle, nil
}

// Unsubscribe releases the handle. Safe to call any number of times.
func (h *Handle) Unsubscribe() {
	h.once.Do(func() {
		h.subscriber.release(h)
	})
}

func (s *Subscriber) release(h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.channels[h.channelKey]
	if !exists {
		return
	}
	delete(entry.handles, h.id)

	if len(entry.handles) == 0 {
		if err := entry.channel.Close(); err != nil {
			log.WithField(logger.ErrorTypeField, logger.ErrorTypeRealtime).
				Errorf("failed to close channel %s: %v", entry.key, err)
		}
		delete(s.channels, h.channelKey)
		log.Debugf("closed channel %s", h.channelKey)
	}
}

// OnResync registers a hook fired after every successful reconnection. Events
// missed during the outage are permanently lost, so hooks must re-fetch their
// baseline instead of expecting the stream to resume.
func (s *Subscriber) OnResync(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resyncFns = append(s.resyncFns, fn)
}

func (s *Subscriber) dispatch(channelKey string, event models.ChangeEvent) {
	metrics.EventsReceivedCounter.WithLabelValues(event.Table).Inc()

	s.mu.Lock()
	entry, exists := s.channels[channelKey]
	var handles []*Handle
	if exists {
		handles = make([]*Handle, 0, len(entry.handles))
		for _, h := range entry.handles {
			handles = append(handles, h)
		}
	}
	s.mu.Unlock()

	key := event.DedupKey()
	for _, h := range handles {
		if _, seen := h.dedup.Get(key); seen {
			metrics.DuplicateEventsCounter.Inc()
			continue
		}
		h.dedup.SetDefault(key, struct{}{})
		h.onEvent(event)
	}
}

// Run connects the transport and keeps it connected until ctx is cancelled.
// Reconnection uses exponential backoff and ends with a forced resync, since
// the outage window is a permanent gap in the stream.
func (s *Subscriber) Run(ctx context.Context) error {

	if err := s.connectWithBackoff(ctx); err != nil {
		return err
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-s.transport.Disconnected():
				log.WithField(logger.ErrorTypeField, logger.ErrorTypeRealtime).
					Errorf("transport disconnected: %v", err)
				if err := s.connectWithBackoff(ctx); err != nil {
					return
				}
				metrics.ReconnectsCounter.Inc()
				s.resubscribeAll()
				s.fireResync()
			}
		}
	}()

	return nil
}

func (s *Subscriber) connectWithBackoff(ctx context.Context) error {
	backoff := s.cfg.ReconnectBase
	for {
		err := s.transport.Connect(ctx)
		if err == nil {
			return nil
		}

		log.Warnf("transport connect failed, retrying in %v: %v", backoff, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > s.cfg.ReconnectCap {
			backoff = s.cfg.ReconnectCap
		}
	}
}

func (s *Subscriber) resubscribeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, entry := range s.channels {
		channel, err := s.transport.OpenChannel(key)
		if err != nil {
			log.WithField(logger.ErrorTypeField, logger.ErrorTypeRealtime).
				Errorf("failed to reopen channel %s: %v", key, err)
			continue
		}
		channelKey := key
		channel.On(entry.pattern, func(event models.ChangeEvent) { s.dispatch(channelKey, event) })
		if err := channel.Subscribe(); err != nil {
			log.WithField(logger.ErrorTypeField, logger.ErrorTypeRealtime).
				Errorf("failed to resubscribe channel %s: %v", key, err)
			continue
		}
		entry.channel = channel
	}
}

func (s *Subscriber) fireResync() {
	s.mu.Lock()
	hooks := make([]func(), len(s.resyncFns))
	copy(hooks, s.resyncFns)
	s.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}
