package models

import "time"

type ActorRole string

const (
	RoleCandidate ActorRole = "candidate"
	RoleCompany   ActorRole = "company"
)

// Application is one candidate's submission to one job posting. The row is
// owned by the backend; the client only ever holds cached copies of it.
type Application struct {
	ID                    string    `json:"id"`
	CandidateID           string    `json:"candidate_id"`
	CompanyID             string    `json:"company_id"`
	JobID                 string    `json:"job_id"`
	CurrentStatus         Status    `json:"current_status"`
	CandidateNotification bool      `json:"candidate_notification"`
	CompanyNotification   bool      `json:"company_notification"`
	UpdatedAt             time.Time `json:"updated_at"`

	// Joined relations fetched once at load time. Change events never carry
	// them, so reconciliation must leave them untouched.
	Job     map[string]any `json:"jobs,omitempty"`
	Profile map[string]any `json:"profiles,omitempty"`
	Company map[string]any `json:"companies,omitempty"`
}

// StatusEvent is one write-once entry of the application status log. The
// ordered log is the authoritative history; Application.CurrentStatus is a
// cached projection of its latest entry.
type StatusEvent struct {
	ID            string    `json:"id"`
	ApplicationID string    `json:"application_id"`
	Status        Status    `json:"status"`
	ActorRole     ActorRole `json:"updated_by"`
	CreatedAt     time.Time `json:"created_at"`
}

// Notification is a fact delivered to one recipient about one entity.
// IsRead is monotonic: it flips from false to true exactly once.
type Notification struct {
	ID          string    `json:"id"`
	RecipientID string    `json:"recipient_id"`
	ActorID     string    `json:"actor_id"`
	Type        string    `json:"type"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	EntityType  string    `json:"entity_type"`
	EntityID    string    `json:"entity_id"`
	IsRead      bool      `json:"is_read"`
	CreatedAt   time.Time `json:"created_at"`
}
