package campaign

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"salonreach/internal/phone"
)

const (
	MaxJobs             = 100
	MaxMessageLen       = 1000
	DefaultDelay        = 30 * time.Second
	DefaultMaxRetries   = 2
	DefaultRetryBackoff = 5 * time.Second

	maxDelay   = 10 * time.Minute
	maxRetries = 10
)

// Job is one personalized message in a campaign.
type Job struct {
	Phone          string `json:"phone" yaml:"phone"`
	Message        string `json:"message" yaml:"message"`
	ProfessionalID string `json:"professionalId" yaml:"professionalId"`
}

// Options tunes pacing and retries for one campaign.
type Options struct {
	DelayBetweenMessages time.Duration
	MaxRetries           int // attempts per message, including the first
}

func DefaultOptions() Options {
	return Options{DelayBetweenMessages: DefaultDelay, MaxRetries: DefaultMaxRetries}
}

// OptionsRequest is the wire form of Options; nil fields take the defaults.
type OptionsRequest struct {
	DelayBetweenMessagesMs *int `json:"delayBetweenMessagesMs,omitempty" yaml:"delayBetweenMessagesMs,omitempty"`
	MaxRetries             *int `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty"`
}

// Resolve applies r on top of defaults, clamping delay to [0, 10m] and
// retries to [1, 10].
func (r *OptionsRequest) Resolve(defaults Options) Options {
	opts := defaults
	if r == nil {
		return opts
	}
	if r.DelayBetweenMessagesMs != nil {
		d := time.Duration(*r.DelayBetweenMessagesMs) * time.Millisecond
		opts.DelayBetweenMessages = min(max(d, 0), maxDelay)
	}
	if r.MaxRetries != nil {
		opts.MaxRetries = min(max(*r.MaxRetries, 1), maxRetries)
	}
	return opts
}

// ValidationError describes why a campaign request was rejected. Index is
// the offending message, or -1 for request-level problems.
type ValidationError struct {
	Index  int
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Index < 0 {
		return e.Reason
	}
	if e.Field == "" {
		return fmt.Sprintf("messages[%d]: %s", e.Index, e.Reason)
	}
	return fmt.Sprintf("messages[%d].%s: %s", e.Index, e.Field, e.Reason)
}

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Validate checks the whole batch before anything is sent.
func Validate(jobs []Job) error {
	if len(jobs) == 0 {
		return &ValidationError{Index: -1, Field: "messages", Reason: "messages must be a non-empty array"}
	}
	if len(jobs) > MaxJobs {
		return &ValidationError{
			Index:  -1,
			Field:  "messages",
			Reason: fmt.Sprintf("too many messages: %d (maximum %d per campaign)", len(jobs), MaxJobs),
		}
	}
	for i, j := range jobs {
		switch {
		case strings.TrimSpace(j.Phone) == "":
			return &ValidationError{Index: i, Field: "phone", Reason: "is required"}
		case strings.TrimSpace(j.Message) == "":
			return &ValidationError{Index: i, Field: "message", Reason: "is required"}
		case strings.TrimSpace(j.ProfessionalID) == "":
			return &ValidationError{Index: i, Field: "professionalId", Reason: "is required"}
		case !phone.ValidChars(j.Phone):
			return &ValidationError{Index: i, Field: "phone", Reason: "may only contain digits, spaces, +, - and parentheses"}
		case utf8.RuneCountInString(j.Message) > MaxMessageLen:
			return &ValidationError{
				Index:  i,
				Field:  "message",
				Reason: fmt.Sprintf("is %d characters long (maximum %d)", utf8.RuneCountInString(j.Message), MaxMessageLen),
			}
		}
	}
	return nil
}
