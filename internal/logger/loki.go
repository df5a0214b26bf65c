package logger

import (
	"path/filepath"
	"strconv"

	"github.com/ndelcourt/recruitsync/internal/config"
	"github.com/ndelcourt/recruitsync/pkg/loki"
	log "github.com/sirupsen/logrus"
)

type logrusAdapter struct {
}

func (l *logrusAdapter) Error(msg string, args ...any) {
	log.WithFields(log.Fields{"args": args, "source": "loki"}).Error(msg)
}

type lokiHook struct {
	pusher *loki.Pusher
}

func (h *lokiHook) Fire(entry *log.Entry) error {

	// entries produced by the pusher's own error reporter must not loop back
	if entry.Data["source"] == "loki" {
		return nil
	}

	caller := ""
	if entry.Caller != nil {
		caller = filepath.Base(entry.Caller.Function) + ":" + strconv.Itoa(entry.Caller.Line)
	}

	return h.pusher.Push(loki.Entry{
		Level:   entry.Level.String(),
		Message: entry.Message,
		Caller:  caller,
	})
}

func (h *lokiHook) Levels() []log.Level {
	return []log.Level{
		log.ErrorLevel,
		log.WarnLevel,
		log.InfoLevel,
	}
}

func addLokiHook(cfg config.LoggerConfig) error {
	pusher, err := loki.New(loki.Config{
		Url:      cfg.LokiURL,
		Username: cfg.LokiUser,
		Password: cfg.LokiPassword,
		Labels:   map[string]string{"app": cfg.AppName},
	}, &logrusAdapter{})
	if err != nil {
		return err
	}
	log.AddHook(&lokiHook{pusher: pusher})
	log.Info("Loki logging enabled")
	return nil
}
