// Package source defines the contract every external file-storage adapter
// implements, plus helpers shared by the adapters.
package source

import (
	"context"
	"crypto/sha256"
	"fmt"
	"path"
	"strings"
	"time"
)

// Type identifies an adapter. The set is closed; see Registry.
type Type string

const (
	TypeGoogleDrive Type = "google_drive"
	TypeAutodesk    Type = "autodesk_construction_cloud"
	TypeFeed        Type = "feed"
)

// Known returns every supported source type
func Known() []Type {
	return []Type{TypeGoogleDrive, TypeAutodesk, TypeFeed}
}

// CandidateRecord is one changed file reported by a source
type CandidateRecord struct {
	ExternalID string
	Title      string
	Link       string
	CreatedAt  time.Time
	UpdatedAt  time.Time // zero when the source reports none
	ProjectID  string
	UserID     string
	Metadata   map[string]interface{}
}

// RequestGate is consulted before every outbound request
type RequestGate interface {
	Wait(ctx context.Context) error
}

// ListOptions controls one ListChanged call
type ListOptions struct {
	Since          time.Time // zero lists everything
	MaxResults     int
	FileTypes      []string
	Gate           RequestGate
	RequestTimeout time.Duration
}

// Await blocks on gate, if any
func Await(ctx context.Context, gate RequestGate) error {
	if gate == nil {
		return nil
	}
	return gate.Wait(ctx)
}

// Wait blocks on the gate, if any
func (o ListOptions) Wait(ctx context.Context) error {
	return Await(ctx, o.Gate)
}

// RequestContext applies the per-request timeout
func (o ListOptions) RequestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.RequestTimeout)
}

// Source is an external file-storage system
type Source interface {
	// Type returns the adapter type
	Type() Type

	// Authenticate obtains or verifies credentials. A token request waits
	// on gate first; gate may be nil.
	Authenticate(ctx context.Context, gate RequestGate) error

	// ListChanged pages through files changed after opts.Since and calls
	// yield for each, stopping after opts.MaxResults. The sequence is finite
	// and may be restarted with the same options. An error from yield stops
	// the listing and is returned unchanged.
	ListChanged(ctx context.Context, opts ListOptions, yield func(*CandidateRecord) error) error

	// HealthCheck verifies the source is reachable with the current credentials
	HealthCheck(ctx context.Context) error
}

// GenerateExternalID creates a stable id from a source type and a URL
func GenerateExternalID(sourceType Type, url string) string {
	data := fmt.Sprintf("%s:%s", sourceType, url)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash[:16]) // Use first 16 bytes (32 hex chars)
}

// AllFileTypes reports whether a file type filter admits everything
func AllFileTypes(fileTypes []string) bool {
	if len(fileTypes) == 0 {
		return true
	}
	for _, ft := range fileTypes {
		if ft == "*" {
			return true
		}
	}
	return false
}

// IsMimeType reports whether a filter entry is a MIME type rather than an extension
func IsMimeType(fileType string) bool {
	return strings.Contains(fileType, "/")
}

// MatchesFileType checks a file name and MIME type against a filter of
// extensions ("pdf") or MIME types ("application/pdf")
func MatchesFileType(name, mimeType string, fileTypes []string) bool {
	if AllFileTypes(fileTypes) {
		return true
	}

	ext := strings.TrimPrefix(strings.ToLower(path.Ext(name)), ".")
	for _, ft := range fileTypes {
		ft = strings.ToLower(strings.TrimSpace(ft))
		if IsMimeType(ft) {
			if mimeType != "" && strings.HasPrefix(strings.ToLower(mimeType), ft) {
				return true
			}
			continue
		}
		if ext != "" && ext == strings.TrimPrefix(ft, ".") {
			return true
		}
	}
	return false
}
