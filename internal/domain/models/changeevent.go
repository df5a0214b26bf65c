package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// ChangeEvent is one row-change notification pushed by the backend. New and
// Old are full-row JSON objects; either may be null depending on the type.
// Delivery is at least once, so consumers must be prepared to see the same
// event more than once.
type ChangeEvent struct {
	Type  ChangeType      `json:"eventType"`
	Table string          `json:"table"`
	New   json.RawMessage `json:"new"`
	Old   json.RawMessage `json:"old"`
}

type changeEventRow struct {
	ID        string    `json:"id"`
	UpdatedAt time.Time `json:"updated_at"`
	CreatedAt time.Time `json:"created_at"`
}

// DedupKey identifies a delivery attempt: the same logical change redelivered
// by the transport produces the same key.
func (e ChangeEvent) DedupKey() string {
	var row changeEventRow
	payload := e.New
	if len(payload) == 0 || string(payload) == "null" {
		payload = e.Old
	}
	_ = json.Unmarshal(payload, &row)
	version := row.UpdatedAt
	if version.IsZero() {
		version = row.CreatedAt
	}
	return fmt.Sprintf("%s|%s|%s|%d", e.Type, e.Table, row.ID, version.UnixNano())
}

// ApplicationID extracts the application the event belongs to: the row id
// for application rows, the application_id column for status events.
func (e ChangeEvent) ApplicationID() (string, bool) {
	payload := e.New
	if len(payload) == 0 || string(payload) == "null" {
		payload = e.Old
	}

	var row struct {
		ID            string `json:"id"`
		ApplicationID string `json:"application_id"`
	}
	if err := json.Unmarshal(payload, &row); err != nil {
		return "", false
	}

	if e.Table == "applications" {
		return row.ID, row.ID != ""
	}
	return row.ApplicationID, row.ApplicationID != ""
}

func (e ChangeEvent) DecodeNewStatusEvent() (StatusEvent, error) {
	var ev StatusEvent
	if err := json.Unmarshal(e.New, &ev); err != nil {
		return StatusEvent{}, err
	}
	if _, err := ToStatus(string(ev.Status)); err != nil {
		return StatusEvent{}, err
	}
	return ev, nil
}

func (e ChangeEvent) DecodeNotification() (oldN, newN Notification, err error) {
	if len(e.Old) > 0 && string(e.Old) != "null" {
		if err = json.Unmarshal(e.Old, &oldN); err != nil {
			return
		}
	}
	if len(e.New) > 0 && string(e.New) != "null" {
		err = json.Unmarshal(e.New, &newN)
	}
	return
}
