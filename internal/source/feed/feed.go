// Package feed reads RSS or Atom change feeds published by storage services
// and reports each entry as a changed file.
package feed

import (
	"context"
	"errors"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/file-connector/internal/models"
	"github.com/file-connector/internal/pool"
	"github.com/file-connector/internal/source"
	"github.com/file-connector/internal/syncerr"
	"github.com/file-connector/pkg/logger"
)

// Source implements source.Source for a single feed
type Source struct {
	endpoint *models.Endpoint
	url      string
	host     string
	pool     *pool.Pool
	log      *logger.Logger
}

// Register adds the adapter to a registry
func Register(r *source.Registry) error {
	return r.Register(source.TypeFeed, source.Registration{
		Validate: validate,
		Build: func(ep *models.Endpoint, deps source.Deps) (source.Source, error) {
			return New(ep, deps.Pools.Get(string(source.TypeFeed)), deps.Log)
		},
	})
}

func validate(ep *models.Endpoint, _ source.Deps) error {
	raw := ep.Detail("url")
	if raw == "" {
		return syncerr.Config("validate "+ep.ID, "feed endpoint requires details.url")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return syncerr.Config("validate "+ep.ID, "feed url %q must be an absolute http(s) URL", raw)
	}
	return nil
}

// New creates a feed source
func New(ep *models.Endpoint, p *pool.Pool, log *logger.Logger) (*Source, error) {
	if log == nil {
		log = logger.Nop()
	}
	raw := ep.Detail("url")
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	return &Source{
		endpoint: ep,
		url:      raw,
		host:     u.Host,
		pool:     p,
		log:      log.WithSource(string(source.TypeFeed)).WithEndpoint(ep.ID),
	}, nil
}

// Type returns feed
func (s *Source) Type() source.Type {
	return source.TypeFeed
}

// Authenticate is a no-op; feeds are public or carry credentials in the URL
func (s *Source) Authenticate(ctx context.Context, gate source.RequestGate) error {
	return nil
}

func (s *Source) fetch(ctx context.Context, timeout time.Duration) (*gofeed.Feed, error) {
	var feed *gofeed.Feed
	err := s.pool.With(ctx, s.host, func(h *pool.Handle) error {
		rctx, cancel := source.ListOptions{RequestTimeout: timeout}.RequestContext(ctx)
		defer cancel()

		parser := gofeed.NewParser()
		parser.Client = h.Client

		var err error
		feed, err = parser.ParseURLWithContext(s.url, rctx)
		return mapError(ctx, err)
	})
	return feed, err
}

// ListChanged fetches the feed and yields entries updated since opts.Since,
// oldest first. Entries without any timestamp are always yielded.
func (s *Source) ListChanged(ctx context.Context, opts source.ListOptions, yield func(*source.CandidateRecord) error) error {
	if err := opts.Wait(ctx); err != nil {
		return err
	}

	s.log.Debug().Str("url", s.url).Msg("Fetching feed")
	feed, err := s.fetch(ctx, opts.RequestTimeout)
	if err != nil {
		return err
	}

	candidates := make([]*source.CandidateRecord, 0, len(feed.Items))
	for _, item := range feed.Items {
		rec := s.toCandidate(feed, item)
		if !opts.Since.IsZero() && !rec.UpdatedAt.IsZero() && rec.UpdatedAt.Before(opts.Since) {
			continue
		}
		if !source.MatchesFileType(fileName(rec.Link), mimeType(item), opts.FileTypes) {
			continue
		}
		candidates = append(candidates, rec)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].UpdatedAt.Before(candidates[j].UpdatedAt)
	})

	count := 0
	for _, rec := range candidates {
		if opts.MaxResults > 0 && count >= opts.MaxResults {
			break
		}
		if err := yield(rec); err != nil {
			return err
		}
		count++
	}

	s.log.Info().
		Int("count", count).
		Str("feed", feed.Title).
		Msg("Fetched feed entries")
	return nil
}

// HealthCheck verifies the feed is accessible
func (s *Source) HealthCheck(ctx context.Context) error {
	_, err := s.fetch(ctx, 0)
	return err
}

func (s *Source) toCandidate(feed *gofeed.Feed, item *gofeed.Item) *source.CandidateRecord {
	link := item.Link
	if len(item.Enclosures) > 0 && item.Enclosures[0].URL != "" {
		link = item.Enclosures[0].URL
	}

	id := item.GUID
	if id == "" {
		id = source.GenerateExternalID(source.TypeFeed, link)
	}

	var created, updated time.Time
	if item.PublishedParsed != nil {
		created = *item.PublishedParsed
	}
	if item.UpdatedParsed != nil {
		updated = *item.UpdatedParsed
	} else {
		updated = created
	}

	meta := map[string]interface{}{
		"feed_title":  feed.Title,
		"categories":  item.Categories,
		"description": truncate(cleanText(item.Description), 500),
		"page_link":   item.Link,
	}
	if item.Author != nil && item.Author.Name != "" {
		meta["author"] = item.Author.Name
	}
	if mt := mimeType(item); mt != "" {
		meta["mime_type"] = mt
	}

	return &source.CandidateRecord{
		ExternalID: id,
		Title:      cleanText(item.Title),
		Link:       link,
		CreatedAt:  created,
		UpdatedAt:  updated,
		ProjectID:  s.endpoint.ProjectID,
		UserID:     s.endpoint.UserID,
		Metadata:   meta,
	}
}

func mimeType(item *gofeed.Item) string {
	if len(item.Enclosures) > 0 {
		return item.Enclosures[0].Type
	}
	return ""
}

func fileName(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return link
	}
	return path.Base(u.Path)
}

// cleanText removes HTML tags and extra whitespace
func cleanText(text string) string {
	var result strings.Builder
	inTag := false
	for _, r := range text {
		switch {
		case r == '<':
			inTag = true
			result.WriteRune(' ')
		case r == '>':
			inTag = false
		case !inTag:
			result.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(result.String()), " ")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func mapError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}

	var herr gofeed.HTTPError
	if errors.As(err, &herr) {
		return source.StatusError("fetch feed", herr.StatusCode, nil, herr.Status)
	}

	var uerr *url.Error
	if errors.As(err, &uerr) || errors.Is(err, context.DeadlineExceeded) {
		return source.TransportError(ctx, "fetch feed", err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return syncerr.New(syncerr.KindUnknown, "fetch feed", err)
}

var _ source.Source = (*Source)(nil)
