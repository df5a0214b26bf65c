package services

import (
	"context"
	"sync"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/ndelcourt/recruitsync/internal/domain/models"
	"github.com/ndelcourt/recruitsync/internal/events"
	"github.com/ndelcourt/recruitsync/internal/logger"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

type notificationBackend interface {
	CountWhere(ctx context.Context, table string, filter map[string]string) (int, error)
	UpdateWhere(ctx context.Context, table string, filter map[string]string, patch any) error
}

// NotificationCounter keeps the per-recipient unread count. It is an
// eventually consistent cache over the authoritative COUNT query: change
// events adjust it incrementally, Initialize and the periodic cron resync
// snap it back to the ground truth.
type NotificationCounter struct {
	bus         EventBus.Bus
	backend     notificationBackend
	recipientID string
	cron        *cron.Cron
	resyncDelay time.Duration

	mu          sync.Mutex
	count       int
	initialized bool
}

func NewNotificationCounter(bus EventBus.Bus, backend notificationBackend,
	recipientID string, resyncCron string) (*NotificationCounter, error) {

	if recipientID == "" {
		return nil, errors.New("recipient id must not be empty")
	}

	c := &NotificationCounter{
		bus:         bus,
		backend:     backend,
		recipientID: recipientID,
		cron:        cron.New(),
		resyncDelay: 500 * time.Millisecond,
	}

	if resyncCron != "" {
		_, err := c.cron.AddFunc(resyncCron, c.resync)
		if err != nil {
			return nil, err
		}
		c.cron.Start()
		log.Infof("notification counter resync scheduled: %s", resyncCron)
	}

	return c, nil
}

func (c *NotificationCounter) Stop() {
	c.cron.Stop()
}

// Initialize runs the authoritative count. It is the only operation allowed
// to set the counter to an absolute value; a failure leaves the cached value
// untouched.
func (c *NotificationCounter) Initialize(ctx context.Context) (int, error) {

	count, err := c.backend.CountWhere(ctx, "notifications", map[string]string{
		"recipient_id": "eq." + c.recipientID,
		"is_read":      "eq.false",
	})
	if err != nil {
		return 0, errors.Wrap(err, "failed to count unread notifications")
	}

	c.mu.Lock()
	changed := !c.initialized || c.count != count
	c.count = count
	c.initialized = true
	c.mu.Unlock()

	if changed {
		c.publish(count)
	}
	return count, nil
}

// OnEvent applies one notification change event. Anything that is not a
// fresh unread INSERT or an unread-to-read UPDATE is a no-op, which keeps the
// adjustment idempotent against transport redelivery quirks.
func (c *NotificationCounter) OnEvent(event models.ChangeEvent) {

	if event.Table != "notifications" {
		return
	}

	oldRow, newRow, err := event.DecodeNotification()
	if err != nil {
		log.Errorf("malformed notification event dropped: %v", err)
		return
	}
	if newRow.RecipientID != c.recipientID {
		return
	}

	var delta int
	switch event.Type {
	case models.ChangeInsert:
		if !newRow.IsRead {
			delta = 1
		}
	case models.ChangeUpdate:
		if !oldRow.IsRead && newRow.IsRead {
			delta = -1
		}
	}
	if delta == 0 {
		return
	}

	c.mu.Lock()
	c.count += delta
	if c.count < 0 {
		c.count = 0
	}
	count := c.count
	c.mu.Unlock()

	c.publish(count)
}

// MarkAllRead flips every unread notification of the recipient in one bulk
// write. The counter is optimistically zeroed right away; the authoritative
// re-count shortly after corrects for inserts that raced with the bulk write.
func (c *NotificationCounter) MarkAllRead(ctx context.Context) error {

	err := c.backend.UpdateWhere(ctx, "notifications", map[string]string{
		"recipient_id": "eq." + c.recipientID,
		"is_read":      "eq.false",
	}, map[string]any{
		"is_read": true,
		"read_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return errors.Wrap(err, "failed to mark notifications read")
	}

	c.mu.Lock()
	c.count = 0
	c.mu.Unlock()
	c.publish(0)

	time.AfterFunc(c.resyncDelay, c.resync)
	return nil
}

func (c *NotificationCounter) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

func (c *NotificationCounter) resync() {
	if _, err := c.Initialize(context.Background()); err != nil {
		log.WithField(logger.ErrorTypeField, logger.ErrorTypeBackendApi).
			Errorf("failed to resync unread count: %v", err)
	}
}

func (c *NotificationCounter) publish(count int) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.UnreadCountChangedTopic, events.UnreadCountChanged{
		RecipientID: c.recipientID,
		Count:       count,
	})
}
