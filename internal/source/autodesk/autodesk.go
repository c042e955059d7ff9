// Package autodesk lists changed items in an Autodesk Construction Cloud
// folder through the Data Management JSON:API.
package autodesk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/file-connector/internal/models"
	"github.com/file-connector/internal/pool"
	"github.com/file-connector/internal/source"
	"github.com/file-connector/internal/syncerr"
	"github.com/file-connector/pkg/logger"
)

const (
	// DefaultBaseURL is the Autodesk Platform Services API root
	DefaultBaseURL = "https://developer.api.autodesk.com"

	pageLimit    = 200
	maxBodyBytes = 10 << 20
)

// DefaultScopes are requested for two-legged tokens
var DefaultScopes = []string{"data:read"}

// Config holds the endpoint details this adapter reads
type Config struct {
	ProjectID string
	FolderID  string
	BaseURL   string
}

// ParseConfig extracts configuration from an endpoint. The ACC project id
// comes from details, falling back to the endpoint's project id.
func ParseConfig(ep *models.Endpoint) Config {
	cfg := Config{
		ProjectID: ep.Detail("project_id"),
		FolderID:  ep.Detail("folder_id"),
		BaseURL:   strings.TrimRight(ep.Detail("base_url"), "/"),
	}
	if cfg.ProjectID == "" {
		cfg.ProjectID = ep.ProjectID
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	return cfg
}

// Source implements source.Source for Autodesk Construction Cloud
type Source struct {
	endpoint *models.Endpoint
	cfg      Config
	cred     source.Credential
	pool     *pool.Pool
	host     string
	log      *logger.Logger

	mu sync.Mutex
	ts oauth2.TokenSource
}

// Register adds the adapter to a registry
func Register(r *source.Registry) error {
	return r.Register(source.TypeAutodesk, source.Registration{
		Validate: validate,
		Build: func(ep *models.Endpoint, deps source.Deps) (source.Source, error) {
			cred, err := deps.Credential(ep.Credential)
			if err != nil {
				return nil, err
			}
			return New(ep, cred, deps.Pools.Get(string(source.TypeAutodesk)), deps.Log)
		},
	})
}

func validate(ep *models.Endpoint, deps source.Deps) error {
	cfg := ParseConfig(ep)
	if cfg.ProjectID == "" {
		return syncerr.Config("validate "+ep.ID, "autodesk endpoint requires details.project_id")
	}
	if cfg.FolderID == "" {
		return syncerr.Config("validate "+ep.ID, "autodesk endpoint requires details.folder_id")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return syncerr.Config("validate "+ep.ID, "invalid base_url: %v", err)
	}
	if ep.Credential == "" {
		return syncerr.Config("validate "+ep.ID, "autodesk endpoint requires a credential")
	}
	cred, err := deps.Credential(ep.Credential)
	if err != nil {
		return err
	}
	switch cred.Type {
	case "client_credentials", "":
		if cred.ClientID == "" || cred.ClientSecret == "" {
			return syncerr.Config("validate "+ep.ID, "credential %q requires client_id and client_secret", ep.Credential)
		}
	case "none":
	default:
		return syncerr.Config("validate "+ep.ID, "credential %q: type %q is not usable with autodesk", ep.Credential, cred.Type)
	}
	return nil
}

// New creates an Autodesk source
func New(ep *models.Endpoint, cred source.Credential, p *pool.Pool, log *logger.Logger) (*Source, error) {
	if log == nil {
		log = logger.Nop()
	}
	cfg := ParseConfig(ep)
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	return &Source{
		endpoint: ep,
		cfg:      cfg,
		cred:     cred,
		pool:     p,
		host:     u.Host,
		log:      log.WithSource(string(source.TypeAutodesk)).WithEndpoint(ep.ID),
	}, nil
}

// Type returns autodesk_construction_cloud
func (s *Source) Type() source.Type {
	return source.TypeAutodesk
}

func (s *Source) oauthConfig() *clientcredentials.Config {
	tokenURL := s.cred.TokenURL
	if tokenURL == "" {
		tokenURL = s.cfg.BaseURL + "/authentication/v2/token"
	}
	scopes := s.cred.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	return &clientcredentials.Config{
		ClientID:     s.cred.ClientID,
		ClientSecret: s.cred.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       scopes,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
}

// Authenticate runs the client credentials flow. The first token is fetched
// under ctx; later refreshes use the same client without its deadline.
func (s *Source) Authenticate(ctx context.Context, gate source.RequestGate) error {
	if s.cred.Type == "none" {
		return nil
	}

	cfg := s.oauthConfig()
	u, err := url.Parse(cfg.TokenURL)
	if err != nil {
		return syncerr.Config("authenticate", "invalid token url: %v", err)
	}

	if err := source.Await(ctx, gate); err != nil {
		return err
	}
	return s.pool.With(ctx, u.Host, func(h *pool.Handle) error {
		tctx := context.WithValue(ctx, oauth2.HTTPClient, h.Client)
		tok, err := cfg.Token(tctx)
		if err != nil {
			return mapTokenError(ctx, err)
		}
		ts := oauth2.ReuseTokenSource(tok, cfg.TokenSource(context.WithoutCancel(tctx)))

		s.mu.Lock()
		s.ts = ts
		s.mu.Unlock()

		s.log.Info().Msg("Autodesk authentication successful")
		return nil
	})
}

func (s *Source) authorize(ctx context.Context, req *http.Request) error {
	if s.cred.Type == "none" {
		return nil
	}

	s.mu.Lock()
	ts := s.ts
	s.mu.Unlock()
	if ts == nil {
		return syncerr.Authentication("authorize", errors.New("not authenticated"))
	}

	tok, err := ts.Token()
	if err != nil {
		return mapTokenError(ctx, err)
	}
	tok.SetAuthHeader(req)
	return nil
}

// ContentsURL builds the first page URL of a folder listing
func ContentsURL(cfg Config, since time.Time) string {
	q := url.Values{}
	q.Set("filter[type]", "items")
	q.Set("page[limit]", fmt.Sprint(pageLimit))
	if !since.IsZero() {
		q.Set("filter[lastModifiedTime]", since.UTC().Format(time.RFC3339)+"..")
	}
	return fmt.Sprintf("%s/data/v1/projects/%s/folders/%s/contents?%s",
		cfg.BaseURL, url.PathEscape(cfg.ProjectID), url.PathEscape(cfg.FolderID), q.Encode())
}

func (s *Source) get(ctx context.Context, opts source.ListOptions, op, rawURL string) ([]byte, error) {
	var body []byte
	err := s.pool.With(ctx, s.host, func(h *pool.Handle) error {
		rctx, cancel := opts.RequestContext(ctx)
		defer cancel()

		req, err := http.NewRequestWithContext(rctx, http.MethodGet, rawURL, http.NoBody)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Accept", "application/vnd.api+json")
		if err := s.authorize(rctx, req); err != nil {
			return err
		}

		resp, err := h.Client.Do(req)
		if err != nil {
			return source.TransportError(ctx, op, err)
		}
		defer resp.Body.Close()

		body, err = io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return source.TransportError(ctx, op, err)
		}
		return source.StatusError(op, resp.StatusCode, resp.Header, detail(body))
	})
	return body, err
}

// detail extracts the first JSON:API error message, or a prefix of the body
func detail(body []byte) string {
	if msg := gjson.GetBytes(body, "errors.0.detail"); msg.Exists() {
		return msg.String()
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return string(body)
}

// ListChanged follows links.next through the folder's items. The API does
// not order by modification time, so every page is read and the items are
// yielded oldest first before MaxResults is applied; a truncated listing
// then never skips an older change.
func (s *Source) ListChanged(ctx context.Context, opts source.ListOptions, yield func(*source.CandidateRecord) error) error {
	next := ContentsURL(s.cfg, opts.Since)
	var candidates []*source.CandidateRecord

	for next != "" {
		if err := opts.Wait(ctx); err != nil {
			return err
		}

		body, err := s.get(ctx, opts, "list items", next)
		if err != nil {
			return err
		}
		if !gjson.ValidBytes(body) {
			return syncerr.New(syncerr.KindUnknown, "list items", errors.New("invalid JSON response"))
		}

		page := gjson.ParseBytes(body)
		items := page.Get("data").Array()
		s.log.Debug().Int("items", len(items)).Msg("Retrieved Autodesk page")

		for _, item := range items {
			if item.Get("type").String() != "items" {
				continue
			}
			name := item.Get("attributes.displayName").String()
			if !source.MatchesFileType(name, "", opts.FileTypes) {
				continue
			}
			candidates = append(candidates, s.toCandidate(item))
		}

		next = page.Get("links.next.href").String()
		if next == "" {
			next = page.Get("links.next").String()
			if strings.HasPrefix(next, "{") {
				next = ""
			}
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].UpdatedAt.Before(candidates[j].UpdatedAt)
	})
	if opts.MaxResults > 0 && len(candidates) > opts.MaxResults {
		candidates = candidates[:opts.MaxResults]
	}

	for _, c := range candidates {
		if err := yield(c); err != nil {
			return err
		}
	}
	return nil
}

// HealthCheck fetches the configured folder
func (s *Source) HealthCheck(ctx context.Context) error {
	u := fmt.Sprintf("%s/data/v1/projects/%s/folders/%s",
		s.cfg.BaseURL, url.PathEscape(s.cfg.ProjectID), url.PathEscape(s.cfg.FolderID))
	_, err := s.get(ctx, source.ListOptions{}, "health check", u)
	return err
}

func (s *Source) toCandidate(item gjson.Result) *source.CandidateRecord {
	id := item.Get("id").String()
	attrs := item.Get("attributes")
	name := attrs.Get("displayName").String()

	link := item.Get("links.webView.href").String()
	if link == "" {
		link = fmt.Sprintf("%s/data/v1/projects/%s/items/%s", s.cfg.BaseURL, s.cfg.ProjectID, url.PathEscape(id))
	}

	return &source.CandidateRecord{
		ExternalID: id,
		Title:      name,
		Link:       link,
		CreatedAt:  parseTime(attrs.Get("createTime").String()),
		UpdatedAt:  parseTime(attrs.Get("lastModifiedTime").String()),
		ProjectID:  s.endpoint.ProjectID,
		UserID:     s.endpoint.UserID,
		Metadata: map[string]interface{}{
			"acc_project_id":        s.cfg.ProjectID,
			"parent_folder_id":      item.Get("relationships.parent.data.id").String(),
			"file_type":             strings.TrimPrefix(strings.ToLower(path.Ext(name)), "."),
			"extension_type":        attrs.Get("extension.type").String(),
			"create_user_id":        attrs.Get("createUserId").String(),
			"last_modified_user_id": attrs.Get("lastModifiedUserId").String(),
			"hidden":                attrs.Get("hidden").Bool(),
		},
	}
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

func mapTokenError(ctx context.Context, err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) && rerr.Response != nil {
		code := rerr.Response.StatusCode
		if code >= 400 && code < 500 && code != http.StatusTooManyRequests {
			return syncerr.Authentication("authenticate", err)
		}
		return source.StatusError("authenticate", rerr.Response.StatusCode, rerr.Response.Header, string(rerr.Body))
	}
	return source.TransportError(ctx, "authenticate", err)
}

var _ source.Source = (*Source)(nil)
