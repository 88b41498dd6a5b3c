package syncrun

import (
	"encoding/json"
	"time"
)

// Run is one reconciliation pass.
//
// Lifecycle:
// - Inserted as pending when the pass starts, so a crash mid-run stays visible.
// - Finished exactly once, to success or failed. Never mutated afterwards.
type Run struct {
	ID       string `json:"id" db:"id"`
	Provider string `json:"provider" db:"provider"`
	Type     Type   `json:"type" db:"sync_type"`
	Status   Status `json:"status" db:"status"`

	StartedAt time.Time  `json:"started_at" db:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty" db:"ended_at"`

	Success        bool   `json:"success" db:"success"`
	ItemsProcessed int    `json:"items_processed" db:"items_processed"`
	Message        string `json:"message,omitempty" db:"message"`

	// ErrorDetail is the JSON encoding of ErrorDetail; empty on success.
	ErrorDetail string `json:"error_detail,omitempty" db:"error_detail"`
}

type Type string

const (
	TypeFull   Type = "full"
	TypeSingle Type = "single"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// ErrorDetail is the structured failure stored on a failed run.
type ErrorDetail struct {
	Message  string `json:"message"`
	Kind     string `json:"kind,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
}

func (d ErrorDetail) encode() string {
	b, err := json.Marshal(d)
	if err != nil {
		return `{"message":"unencodable error detail"}`
	}
	return string(b)
}

// Outcome is the terminal state written by Finish.
type Outcome struct {
	Status         Status
	EndedAt        time.Time
	ItemsProcessed int
	Message        string
	ErrorDetail    string
}

// ListFilter selects a page of runs, newest first.
type ListFilter struct {
	Provider string
	Type     Type
	Page     int
	Limit    int
}

type Page struct {
	Runs  []Run `json:"runs"`
	Total int   `json:"total"`
	Page  int   `json:"page"`
	Limit int   `json:"limit"`
}

// Summary is the read model behind the sync-status summary view.
type Summary struct {
	Latest  *Run `json:"latest,omitempty"`
	Total   int  `json:"total"`
	Success int  `json:"success"`
	Failed  int  `json:"failed"`
	Pending int  `json:"pending"`
}
