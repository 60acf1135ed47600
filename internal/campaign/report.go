package campaign

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the final state of one message.
type Status string

const (
	StatusSent   Status = "sent"
	StatusFailed Status = "failed"
)

// Detail records how one job ended.
type Detail struct {
	ProfessionalID string `json:"professionalId"`
	Phone          string `json:"phone"`
	Status         Status `json:"status"`
	Error          string `json:"error,omitempty"`
	// Warning is set on sent messages that were not visually confirmed.
	Warning  string `json:"warning,omitempty"`
	Attempts int    `json:"attempts"`
}

// Report is the aggregate outcome of a campaign. SentCount includes
// UnconfirmedCount.
type Report struct {
	ID               string    `json:"id"`
	Success          bool      `json:"success"`
	SentCount        int       `json:"sentCount"`
	FailedCount      int       `json:"failedCount"`
	UnconfirmedCount int       `json:"unconfirmedCount"`
	Errors           []string  `json:"errors"`
	Details          []Detail  `json:"details"`
	StartedAt        time.Time `json:"startedAt"`
	FinishedAt       time.Time `json:"finishedAt"`
}

func newReport(size int) *Report {
	return &Report{
		ID:        uuid.New().String(),
		Errors:    []string{},
		Details:   make([]Detail, 0, size),
		StartedAt: time.Now(),
	}
}

func (r *Report) recordSent(job Job, attempts int, warning string) {
	r.SentCount++
	if warning != "" {
		r.UnconfirmedCount++
	}
	r.Details = append(r.Details, Detail{
		ProfessionalID: job.ProfessionalID,
		Phone:          job.Phone,
		Status:         StatusSent,
		Warning:        warning,
		Attempts:       attempts,
	})
}

func (r *Report) recordFailed(job Job, attempts int, reason string) {
	r.FailedCount++
	r.Errors = append(r.Errors, fmt.Sprintf("failed to send to %s: %s", job.Phone, reason))
	r.Details = append(r.Details, Detail{
		ProfessionalID: job.ProfessionalID,
		Phone:          job.Phone,
		Status:         StatusFailed,
		Error:          reason,
		Attempts:       attempts,
	})
}

func (r *Report) finish() {
	r.Success = r.FailedCount == 0 && len(r.Details) > 0
	r.FinishedAt = time.Now()
}
