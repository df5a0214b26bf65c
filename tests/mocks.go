package tests

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/ndelcourt/recruitsync/internal/clients/backend"
	"github.com/ndelcourt/recruitsync/internal/domain/models"
)

// mockBackendClient serves baseline fetches from in-memory rows and counts
// the round trips it answered.
type mockBackendClient struct {
	mu           sync.Mutex
	applications map[string]models.Application
	statusEvents map[string][]models.StatusEvent
	fetches      int
}

func (m *mockBackendClient) FetchOne(_ context.Context, table string, id string, _ string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if table != "applications" {
		return nil, errors.New("unexpected table " + table)
	}
	application, ok := m.applications[id]
	if !ok {
		return nil, errors.New("application not found")
	}
	m.fetches++
	return json.Marshal(application)
}

func (m *mockBackendClient) FetchMany(_ context.Context, table string, query backend.Query) ([]json.RawMessage, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if table != "application_status_events" {
		return nil, 0, errors.New("unexpected table " + table)
	}

	applicationID := ""
	if filter, ok := query.Filter["application_id"]; ok {
		applicationID = filter[len("eq."):]
	}

	events := m.statusEvents[applicationID]
	rows := make([]json.RawMessage, 0, len(events))
	for _, event := range events {
		raw, err := json.Marshal(event)
		if err != nil {
			return nil, 0, err
		}
		rows = append(rows, raw)
	}
	return rows, len(rows), nil
}

func (m *mockBackendClient) advanceStatus(applicationID string, status models.Status, event models.StatusEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	application := m.applications[applicationID]
	application.CurrentStatus = status
	m.applications[applicationID] = application
	m.statusEvents[applicationID] = append(m.statusEvents[applicationID], event)
}

func (m *mockBackendClient) fetchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetches
}
