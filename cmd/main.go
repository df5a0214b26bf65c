package main

import (
	"context"
	"github.com/asaskevich/EventBus"
	"github.com/ndelcourt/recruitsync/internal/clients/backend"
	"github.com/ndelcourt/recruitsync/internal/config"
	"github.com/ndelcourt/recruitsync/internal/domain/models"
	"github.com/ndelcourt/recruitsync/internal/events"
	"github.com/ndelcourt/recruitsync/internal/logger"
	"github.com/ndelcourt/recruitsync/internal/metrics"
	"github.com/ndelcourt/recruitsync/internal/realtime"
	"github.com/ndelcourt/recruitsync/internal/repositories"
	"github.com/ndelcourt/recruitsync/internal/services"
	"github.com/ndelcourt/recruitsync/internal/store"
	log "github.com/sirupsen/logrus"
	"os/signal"
	"syscall"
)

func runSync(ctx context.Context, cfg *config.Config, applications *store.Applications,
	counter *services.NotificationCounter, subscriber *realtime.Subscriber) error {

	userID := cfg.Backend.UserID

	ownerColumn := "candidate_id"
	if cfg.Backend.Role == string(models.RoleCompany) {
		ownerColumn = "company_id"
	}

	_, err := subscriber.Subscribe("user:"+userID+":notifications",
		realtime.EventPattern{Table: "notifications", Filter: "recipient_id=eq." + userID},
		counter.OnEvent)
	if err != nil {
		return err
	}

	routeToStore := func(event models.ChangeEvent) {
		applicationID, ok := event.ApplicationID()
		if !ok {
			log.Debugf("change event without application reference dropped")
			return
		}
		applications.ApplyEvent(applicationID, event)
	}

	_, err = subscriber.Subscribe("user:"+userID+":applications",
		realtime.EventPattern{Table: "applications", Filter: ownerColumn + "=eq." + userID},
		routeToStore)
	if err != nil {
		return err
	}

	_, err = subscriber.Subscribe("user:"+userID+":application_status_events",
		realtime.EventPattern{Table: "application_status_events"},
		routeToStore)
	if err != nil {
		return err
	}

	subscriber.OnResync(func() {
		applications.Resync(context.Background())
		if _, err := counter.Initialize(context.Background()); err != nil {
			log.Errorf("failed to re-initialize unread count after resync: %v", err)
		}
	})

	if err := subscriber.Run(ctx); err != nil {
		return err
	}

	if _, err := counter.Initialize(ctx); err != nil {
		log.WithField(logger.ErrorTypeField, logger.ErrorTypeBackendApi).
			Errorf("initial unread count failed, will retry on next resync: %v", err)
	}

	return nil
}

func main() {

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Get()

	logger.Setup(cfg.Logger)
	defer logger.Cleanup()

	metrics.StartMetricsServer()

	dbContext, err := repositories.NewDbContext(cfg.DB.ConnectionString)
	if err != nil {
		log.Fatalf("can't create db context: %v", err)
	}
	defer dbContext.Close()

	err = dbContext.Migrate()
	if err != nil {
		log.Fatalf("can't migrate db context: %v", err)
	}

	snapshots := repositories.NewSnapshotsRepository(dbContext.DB)
	anomalies := repositories.NewAnomaliesRepository(dbContext.DB)
	bus := EventBus.New()

	backendClient := backend.NewClient(cfg.Backend.BaseURL, cfg.Backend.APIKey)
	if cfg.Backend.MaxRequestsPerSecond > 0 {
		backendClient.SetRateLimit(cfg.Backend.MaxRequestsPerSecond)
	}

	applications := store.NewApplications(bus, backendClient, snapshots, anomalies, cfg.Realtime.PendingBufferTTL)
	if err := applications.Restore(ctx); err != nil {
		log.Errorf("cold-start restore failed, continuing with empty cache: %v", err)
	}

	counter, err := services.NewNotificationCounter(bus, backendClient, cfg.Backend.UserID, cfg.Realtime.CounterResyncCron)
	if err != nil {
		log.Fatalf("can't create notification counter: %v", err)
	}
	defer counter.Stop()

	gate := services.NewMessagingGate(applications)
	err = bus.Subscribe(events.SnapshotUpdatedTopic, func(e events.SnapshotUpdated) {
		log.Infof("application %s is now %s, messaging read-only: %v",
			e.ApplicationID, e.Status, gate.IsReadOnly(e.ApplicationID))
	})
	if err != nil {
		log.Fatalf("can't subscribe to snapshot updates: %v", err)
	}

	transport := realtime.NewWebsocketTransport(cfg.Realtime.URL, cfg.Backend.APIKey)
	subscriber := realtime.NewSubscriber(transport, cfg.Realtime)

	if err := runSync(ctx, cfg, applications, counter, subscriber); err != nil {
		log.Fatalf("can't start sync: %v", err)
	}

	<-ctx.Done()

	log.Info("Shutting down services...")
	_ = transport.Close()
	log.Info("Services stopped.")
}
