package models

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

type SourceType string

const (
	SourceTypeFile SourceType = "file"
	SourceTypeURL  SourceType = "url"
	SourceTypeText SourceType = "text"
)

func (t SourceType) Valid() bool {
	switch t {
	case SourceTypeFile, SourceTypeURL, SourceTypeText:
		return true
	}
	return false
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// CanTransitionTo reports whether the lifecycle allows moving from s to next.
// Returning to pending is only reachable through a reset.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	case StatusCompleted, StatusFailed:
		return next == StatusPending
	}
	return false
}

// AllowedFrom lists the statuses a source may be in before moving to next.
func AllowedFrom(next Status) []Status {
	var from []Status
	for _, s := range []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed} {
		if s.CanTransitionTo(next) {
			from = append(from, s)
		}
	}
	return from
}

// ResettableFrom lists the statuses a reset accepts. Resetting a pending
// source is a no-op; a processing source belongs to a running pipeline.
func ResettableFrom() []Status {
	return []Status{StatusPending, StatusCompleted, StatusFailed}
}

type Source struct {
	ID       string     `json:"id"`
	Type     SourceType `json:"type"`
	Title    string     `json:"title"`
	FileName string     `json:"file_name,omitempty"`
	FileSize int64      `json:"file_size,omitempty"`
	MimeType string     `json:"mime_type,omitempty"`
	URL      string     `json:"url,omitempty"`

	Category    string   `json:"category,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Description string   `json:"description,omitempty"`
	TenantID    string   `json:"tenant_id,omitempty"`

	Status       Status  `json:"status"`
	ErrorMessage *string `json:"error_message,omitempty"`
	ChunkCount   int     `json:"chunk_count"`
	ContentHash  string  `json:"content_hash,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks that exactly the field group matching Type is populated.
func (s *Source) Validate() error {
	if !s.Type.Valid() {
		return fmt.Errorf("%w: unsupported source type %q", ErrValidation, s.Type)
	}
	if strings.TrimSpace(s.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrValidation)
	}

	hasFile := s.FileName != "" || s.FileSize != 0 || s.MimeType != ""
	hasURL := s.URL != ""

	switch s.Type {
	case SourceTypeFile:
		if s.FileName == "" {
			return fmt.Errorf("%w: file source requires a file name", ErrValidation)
		}
		if s.FileSize < 0 {
			return fmt.Errorf("%w: file size cannot be negative", ErrValidation)
		}
		if hasURL {
			return fmt.Errorf("%w: file source cannot carry a url", ErrValidation)
		}
	case SourceTypeURL:
		if !hasURL {
			return fmt.Errorf("%w: url source requires a url", ErrValidation)
		}
		if err := ValidateURL(s.URL); err != nil {
			return err
		}
		if hasFile {
			return fmt.Errorf("%w: url source cannot carry file fields", ErrValidation)
		}
	case SourceTypeText:
		if hasFile || hasURL {
			return fmt.Errorf("%w: text source cannot carry file or url fields", ErrValidation)
		}
	}
	return nil
}

// ValidateURL accepts absolute http and https URLs only.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: malformed url %q: %v", ErrValidation, raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: url %q must use http or https", ErrValidation, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: url %q has no host", ErrValidation, raw)
	}
	return nil
}

// StatusUpdate carries the fields written alongside a status change.
type StatusUpdate struct {
	Status       Status
	ErrorMessage string
}

type SourceFilter struct {
	Status   Status
	Category string
	Type     SourceType
	TenantID string
	Limit    int
}
