package models

import "time"

// ReconcileState is what the reconciliation workflows report through their
// state query.
type ReconcileState struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	Status      string    `json:"status"`
	Polls       int       `json:"polls"`
	LastError   string    `json:"lastError,omitempty"`
	LastUpdated time.Time `json:"lastUpdated"`
}
