// Package gdrive lists changed files in a Google Drive folder.
package gdrive

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/file-connector/internal/models"
	"github.com/file-connector/internal/pool"
	"github.com/file-connector/internal/source"
	"github.com/file-connector/internal/syncerr"
	"github.com/file-connector/pkg/logger"
)

const (
	apiHost   = "www.googleapis.com"
	tokenHost = "oauth2.googleapis.com"

	maxPageSize = 1000

	// MimeTypeFolder marks Drive folders, which are never synced
	MimeTypeFolder = "application/vnd.google-apps.folder"

	listFields = "nextPageToken, files(id, name, mimeType, createdTime, modifiedTime, size, " +
		"webViewLink, exportLinks, parents, owners(emailAddress), shared, ownedByMe)"
)

// Config holds the endpoint details this adapter reads
type Config struct {
	FolderID      string // empty lists the whole drive
	IncludeShared bool
	BaseURL       string // API endpoint override
}

// ParseConfig extracts configuration from an endpoint
func ParseConfig(ep *models.Endpoint) Config {
	return Config{
		FolderID:      ep.Detail("folder_id"),
		IncludeShared: ep.DetailBool("include_shared"),
		BaseURL:       ep.Detail("base_url"),
	}
}

// Source implements source.Source for Google Drive
type Source struct {
	endpoint *models.Endpoint
	cfg      Config
	cred     source.Credential
	pool     *pool.Pool
	log      *logger.Logger

	mu sync.Mutex
	ts oauth2.TokenSource
}

// Register adds the adapter to a registry
func Register(r *source.Registry) error {
	return r.Register(source.TypeGoogleDrive, source.Registration{
		Validate: validate,
		Build: func(ep *models.Endpoint, deps source.Deps) (source.Source, error) {
			cred, err := deps.Credential(ep.Credential)
			if err != nil {
				return nil, err
			}
			return New(ep, cred, deps.Pools.Get(string(source.TypeGoogleDrive)), deps.Log), nil
		},
	})
}

func validate(ep *models.Endpoint, deps source.Deps) error {
	if ep.Credential == "" {
		return syncerr.Config("validate "+ep.ID, "google_drive endpoint requires a credential")
	}
	cred, err := deps.Credential(ep.Credential)
	if err != nil {
		return err
	}
	switch cred.Type {
	case "service_account", "":
		if cred.JSON == "" && cred.File == "" {
			return syncerr.Config("validate "+ep.ID, "credential %q has neither json nor file", ep.Credential)
		}
	case "none":
	default:
		return syncerr.Config("validate "+ep.ID, "credential %q: type %q is not usable with google_drive", ep.Credential, cred.Type)
	}
	return nil
}

// New creates a Google Drive source
func New(ep *models.Endpoint, cred source.Credential, p *pool.Pool, log *logger.Logger) *Source {
	if log == nil {
		log = logger.Nop()
	}
	return &Source{
		endpoint: ep,
		cfg:      ParseConfig(ep),
		cred:     cred,
		pool:     p,
		log:      log.WithSource(string(source.TypeGoogleDrive)).WithEndpoint(ep.ID),
	}
}

// Type returns google_drive
func (s *Source) Type() source.Type {
	return source.TypeGoogleDrive
}

// Authenticate loads the service account and fetches a first token under
// ctx. Later refreshes use the same client without its deadline.
func (s *Source) Authenticate(ctx context.Context, gate source.RequestGate) error {
	if s.cred.Type == "none" {
		return nil
	}

	data, err := s.cred.Bytes()
	if err != nil {
		return syncerr.Authentication("authenticate", err)
	}

	if err := source.Await(ctx, gate); err != nil {
		return err
	}
	return s.pool.With(ctx, tokenHost, func(h *pool.Handle) error {
		bound := &http.Client{Transport: boundTransport{ctx: ctx, base: h.Client.Transport}, Timeout: h.Client.Timeout}
		first, err := google.CredentialsFromJSON(context.WithValue(ctx, oauth2.HTTPClient, bound), data, drive.DriveReadonlyScope)
		if err != nil {
			return syncerr.Authentication("authenticate", fmt.Errorf("invalid credentials: %w", err))
		}
		tok, err := first.TokenSource.Token()
		if err != nil {
			return mapError(ctx, "authenticate", err)
		}

		rctx := context.WithValue(context.WithoutCancel(ctx), oauth2.HTTPClient, h.Client)
		creds, err := google.CredentialsFromJSON(rctx, data, drive.DriveReadonlyScope)
		if err != nil {
			return syncerr.Authentication("authenticate", fmt.Errorf("invalid credentials: %w", err))
		}
		ts := oauth2.ReuseTokenSource(tok, creds.TokenSource)

		s.mu.Lock()
		s.ts = ts
		s.mu.Unlock()

		s.log.Info().Msg("Google Drive authentication successful")
		return nil
	})
}

// boundTransport sends every request under ctx. The service account flow
// posts without a request context of its own.
type boundTransport struct {
	ctx  context.Context
	base http.RoundTripper
}

func (t boundTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req.WithContext(t.ctx))
}

func (s *Source) tokenSource() oauth2.TokenSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ts
}

func (s *Source) service(ctx context.Context, h *pool.Handle) (*drive.Service, error) {
	client := h.Client
	if ts := s.tokenSource(); ts != nil {
		client = &http.Client{
			Transport: &oauth2.Transport{Source: ts, Base: h.Client.Transport},
			Timeout:   h.Client.Timeout,
		}
	} else if s.cred.Type != "none" {
		return nil, syncerr.Authentication("service", errors.New("not authenticated"))
	}

	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if s.cfg.BaseURL != "" {
		opts = append(opts, option.WithEndpoint(s.cfg.BaseURL))
	}
	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create drive service: %w", err)
	}
	return svc, nil
}

// BuildQuery builds the Drive search query for a listing
func BuildQuery(folderID string, since time.Time, fileTypes []string) string {
	parts := []string{"trashed=false"}

	if folderID != "" {
		parts = append(parts, fmt.Sprintf("'%s' in parents", escape(folderID)))
	}

	// Inclusive; records at the cursor come back as unchanged
	if !since.IsZero() {
		parts = append(parts, fmt.Sprintf("modifiedTime >= '%s'", since.UTC().Format(time.RFC3339)))
	}

	if !source.AllFileTypes(fileTypes) {
		conds := make([]string, 0, len(fileTypes))
		for _, ft := range fileTypes {
			ft = strings.TrimSpace(ft)
			if ft == "" {
				continue
			}
			if source.IsMimeType(ft) {
				conds = append(conds, fmt.Sprintf("mimeType='%s'", escape(ft)))
			} else {
				conds = append(conds, fmt.Sprintf("name contains '.%s'", escape(strings.TrimPrefix(ft, "."))))
			}
		}
		if len(conds) > 0 {
			parts = append(parts, "("+strings.Join(conds, " or ")+")")
		}
	}

	return strings.Join(parts, " and ")
}

func escape(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	return strings.ReplaceAll(v, `'`, `\'`)
}

// ListChanged pages through files modified since opts.Since, oldest first
func (s *Source) ListChanged(ctx context.Context, opts source.ListOptions, yield func(*source.CandidateRecord) error) error {
	query := BuildQuery(s.cfg.FolderID, opts.Since, opts.FileTypes)
	s.log.Debug().Str("query", query).Msg("Listing Drive files")

	host := apiHost
	if s.cfg.BaseURL != "" {
		host = hostOf(s.cfg.BaseURL)
	}

	pageToken := ""
	count := 0
	for {
		if opts.MaxResults > 0 && count >= opts.MaxResults {
			return nil
		}
		if err := opts.Wait(ctx); err != nil {
			return err
		}

		pageSize := int64(maxPageSize)
		if opts.MaxResults > 0 && int64(opts.MaxResults-count) < pageSize {
			pageSize = int64(opts.MaxResults - count)
		}

		var list *drive.FileList
		err := s.pool.With(ctx, host, func(h *pool.Handle) error {
			rctx, cancel := opts.RequestContext(ctx)
			defer cancel()

			svc, err := s.service(rctx, h)
			if err != nil {
				return err
			}

			call := svc.Files.List().
				Q(query).
				OrderBy("modifiedTime").
				PageSize(pageSize).
				Fields(googleapi.Field(listFields)).
				Context(rctx)
			if s.cfg.IncludeShared {
				call = call.SupportsAllDrives(true).IncludeItemsFromAllDrives(true).Corpora("allDrives")
			}
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}

			list, err = call.Do()
			return mapError(ctx, "list files", err)
		})
		if err != nil {
			return err
		}

		for _, f := range list.Files {
			if f.MimeType == MimeTypeFolder {
				continue
			}
			if !source.MatchesFileType(f.Name, f.MimeType, opts.FileTypes) {
				continue
			}
			if err := yield(s.toCandidate(f)); err != nil {
				return err
			}
			count++
			if opts.MaxResults > 0 && count >= opts.MaxResults {
				return nil
			}
		}

		if list.NextPageToken == "" {
			return nil
		}
		pageToken = list.NextPageToken
	}
}

// HealthCheck fetches the authenticated user
func (s *Source) HealthCheck(ctx context.Context) error {
	host := apiHost
	if s.cfg.BaseURL != "" {
		host = hostOf(s.cfg.BaseURL)
	}
	return s.pool.With(ctx, host, func(h *pool.Handle) error {
		svc, err := s.service(ctx, h)
		if err != nil {
			return err
		}
		_, err = svc.About.Get().Fields("user").Context(ctx).Do()
		return mapError(ctx, "health check", err)
	})
}

func (s *Source) toCandidate(f *drive.File) *source.CandidateRecord {
	owners := make([]string, 0, len(f.Owners))
	for _, o := range f.Owners {
		owners = append(owners, o.EmailAddress)
	}

	return &source.CandidateRecord{
		ExternalID: f.Id,
		Title:      f.Name,
		Link:       fileLink(f),
		CreatedAt:  parseTime(f.CreatedTime),
		UpdatedAt:  parseTime(f.ModifiedTime),
		ProjectID:  s.endpoint.ProjectID,
		UserID:     s.endpoint.UserID,
		Metadata: map[string]interface{}{
			"mime_type":       f.MimeType,
			"size":            f.Size,
			"shared":          f.Shared,
			"owned_by_me":     f.OwnedByMe,
			"web_view_link":   f.WebViewLink,
			"parents":         f.Parents,
			"owners":          owners,
			"google_drive_id": f.Id,
		},
	}
}

// fileLink prefers a PDF export, then any export, then the web view link
func fileLink(f *drive.File) string {
	if len(f.ExportLinks) > 0 {
		if link, ok := f.ExportLinks["application/pdf"]; ok {
			return link
		}
		keys := make([]string, 0, len(f.ExportLinks))
		for k := range f.ExportLinks {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return f.ExportLinks[keys[0]]
	}
	return f.WebViewLink
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func hostOf(rawURL string) string {
	host := rawURL
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if i := strings.IndexByte(host, '/'); i >= 0 {
		host = host[:i]
	}
	return host
}

// mapError converts Drive and OAuth failures into the error taxonomy
func mapError(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusForbidden && quotaExceeded(gerr):
			return syncerr.RateLimited(op, err, source.ParseRetryAfter(gerr.Header))
		case gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden:
			return syncerr.Authentication(op, err)
		case gerr.Code == http.StatusTooManyRequests:
			return syncerr.RateLimited(op, err, source.ParseRetryAfter(gerr.Header))
		case gerr.Code >= 500:
			return syncerr.Connection(op, err)
		default:
			return syncerr.New(syncerr.KindUnknown, op, err)
		}
	}

	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		if rerr.Response != nil && rerr.Response.StatusCode >= 500 {
			return syncerr.Connection(op, err)
		}
		return syncerr.Authentication(op, err)
	}

	return source.TransportError(ctx, op, err)
}

func quotaExceeded(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "dailyLimitExceeded":
			return true
		}
	}
	return false
}

var _ source.Source = (*Source)(nil)
