// Package domain contains core domain types for the linkgate service.
package domain

import (
	"time"
)

// Employee is a record in the backend employee directory.
type Employee struct {
	UID         string    `json:"uid"`
	DisplayName string    `json:"display_name"`
	Phone       string    `json:"phone"`
	Department  string    `json:"department,omitempty"`
	ExternalID  string    `json:"external_id,omitempty"` // linked host user id
	LinkedAt    time.Time `json:"linked_at,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// IsLinked returns true if the employee is bound to a host account.
func (e *Employee) IsLinked() bool {
	return e.ExternalID != ""
}

// LinkOutcome is the result of a single phone-number link attempt.
type LinkOutcome struct {
	Success  bool      `json:"success"`
	Error    string    `json:"error,omitempty"`
	Employee *Employee `json:"employee,omitempty"`
}

// LinkFailed builds an unsuccessful outcome carrying a user-facing message.
func LinkFailed(msg string) LinkOutcome {
	return LinkOutcome{Success: false, Error: msg}
}
