package realtime

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/ndelcourt/recruitsync/internal/domain/models"
)

// EventPattern scopes a channel to a slice of the change stream. An empty
// Event subscribes to all change types on the table.
type EventPattern struct {
	Event  models.ChangeType `json:"event,omitempty"`
	Table  string            `json:"table"`
	Filter string            `json:"filter,omitempty"` // e.g. "application_id=eq.42"
}

// Matches applies the pattern client-side. The server already filters, but a
// shared underlying connection may deliver frames for sibling channels during
// a resubscribe window.
func (p EventPattern) Matches(event models.ChangeEvent) bool {
	if p.Table != "" && p.Table != event.Table {
		return false
	}
	if p.Event != "" && p.Event != event.Type {
		return false
	}
	if p.Filter != "" {
		return matchesFilter(p.Filter, event)
	}
	return true
}

func matchesFilter(filter string, event models.ChangeEvent) bool {
	column, expr, ok := strings.Cut(filter, "=")
	if !ok {
		return true
	}
	op, want, ok := strings.Cut(expr, ".")
	if !ok || op != "eq" {
		return true
	}

	payload := event.New
	if len(payload) == 0 || string(payload) == "null" {
		payload = event.Old
	}
	var row map[string]json.RawMessage
	if err := json.Unmarshal(payload, &row); err != nil {
		return false
	}

	raw, found := row[column]
	if !found {
		return false
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return string(raw) == want
	}
	return value == want
}

// Channel is one logical, filter-scoped subscription on the transport.
type Channel interface {
	On(pattern EventPattern, handler func(models.ChangeEvent))
	Subscribe() error
	Close() error
}

// Transport owns the physical connection to the push stream. Events lost
// while disconnected are gone for good; recovery is the subscriber's job.
type Transport interface {
	Connect(ctx context.Context) error
	OpenChannel(name string) (Channel, error)
	Disconnected() <-chan error
	Close() error
}
