package autodesk

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/file-connector/internal/models"
	"github.com/file-connector/internal/pool"
	"github.com/file-connector/internal/source"
	"github.com/file-connector/internal/syncerr"
)

const page1 = `{
  "jsonapi": {"version": "1.0"},
  "links": {"next": {"href": "%s/page2"}},
  "data": [
    {"type": "folders", "id": "urn:folder", "attributes": {"displayName": "Sub"}},
    {"type": "items", "id": "urn:item1",
     "attributes": {"displayName": "Level1.dwg", "createTime": "2024-02-01T08:00:00.000Z", "lastModifiedTime": "2024-02-03T08:00:00.000Z", "createUserId": "u1"},
     "relationships": {"parent": {"data": {"type": "folders", "id": "f1"}}},
     "links": {"webView": {"href": "https://acc.autodesk.com/item1"}}},
    {"type": "items", "id": "urn:item2",
     "attributes": {"displayName": "notes.txt", "lastModifiedTime": "2024-02-04T08:00:00.000Z"}}
  ]
}`

const page2 = `{
  "jsonapi": {"version": "1.0"},
  "links": {"self": {"href": "x"}},
  "data": [
    {"type": "items", "id": "urn:item3",
     "attributes": {"displayName": "Model.rvt", "lastModifiedTime": "2024-02-05T08:00:00.000Z"}}
  ]
}`

type testServer struct {
	*httptest.Server
	tokens   atomic.Int32
	requests atomic.Int32
	filter   atomic.Value
	expiring atomic.Bool // issue tokens that are already due for refresh
}

func newTestServer(t *testing.T) *testServer {
	ts := &testServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/authentication/v2/token", func(w http.ResponseWriter, r *http.Request) {
		ts.tokens.Add(1)
		user, pass, ok := r.BasicAuth()
		if !ok || user != "client" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = fmt.Fprint(w, `{"error":"invalid_client"}`)
			return
		}
		expiresIn := 3600
		if ts.expiring.Load() {
			expiresIn = 1
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"access_token":"tok","token_type":"Bearer","expires_in":%d}`, expiresIn)
	})
	mux.HandleFunc("/data/v1/projects/p1/folders/f1/contents", func(w http.ResponseWriter, r *http.Request) {
		ts.requests.Add(1)
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		ts.filter.Store(r.URL.Query().Get("filter[lastModifiedTime]"))
		_, _ = fmt.Fprintf(w, page1, ts.URL)
	})
	mux.HandleFunc("/page2", func(w http.ResponseWriter, r *http.Request) {
		ts.requests.Add(1)
		_, _ = fmt.Fprint(w, page2)
	})
	mux.HandleFunc("/data/v1/projects/p1/folders/f1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, `{"data":{"type":"folders","id":"f1"}}`)
	})
	ts.Server = httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func newSource(t *testing.T, baseURL string, cred source.Credential) *Source {
	t.Helper()
	ep := &models.Endpoint{
		ID:         "acc-1",
		SourceType: string(source.TypeAutodesk),
		ProjectID:  "internal-project",
		UserID:     "user-9",
		Details: map[string]interface{}{
			"project_id": "p1",
			"folder_id":  "f1",
			"base_url":   baseURL,
		},
	}
	p := pool.New("autodesk_construction_cloud", pool.Config{}, nil)
	t.Cleanup(p.Close)
	s, err := New(ep, cred, p, nil)
	require.NoError(t, err)
	return s
}

func TestListChangedFollowsNextLinks(t *testing.T) {
	srv := newTestServer(t)
	s := newSource(t, srv.URL, source.Credential{Type: "client_credentials", ClientID: "client", ClientSecret: "secret"})

	require.NoError(t, s.Authenticate(context.Background(), nil))

	since := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	var got []*source.CandidateRecord
	err := s.ListChanged(context.Background(), source.ListOptions{
		Since:     since,
		FileTypes: []string{"dwg", "rvt"},
	}, func(rec *source.CandidateRecord) error {
		got = append(got, rec)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, "urn:item1", got[0].ExternalID)
	assert.Equal(t, "Level1.dwg", got[0].Title)
	assert.Equal(t, "https://acc.autodesk.com/item1", got[0].Link)
	assert.Equal(t, "internal-project", got[0].ProjectID)
	assert.Equal(t, "user-9", got[0].UserID)
	assert.Equal(t, "f1", got[0].Metadata["parent_folder_id"])
	assert.Equal(t, time.Date(2024, 2, 3, 8, 0, 0, 0, time.UTC), got[0].UpdatedAt.UTC())
	assert.Equal(t, "urn:item3", got[1].ExternalID)

	assert.Equal(t, int32(1), srv.tokens.Load())
	assert.Equal(t, int32(2), srv.requests.Load())
	assert.Equal(t, "2024-02-01T00:00:00Z..", srv.filter.Load())
}

func TestListChangedMaxResults(t *testing.T) {
	srv := newTestServer(t)
	s := newSource(t, srv.URL, source.Credential{Type: "client_credentials", ClientID: "client", ClientSecret: "secret"})
	require.NoError(t, s.Authenticate(context.Background(), nil))

	var got []string
	err := s.ListChanged(context.Background(), source.ListOptions{MaxResults: 1}, func(rec *source.CandidateRecord) error {
		got = append(got, rec.ExternalID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"urn:item1"}, got)
	assert.Equal(t, int32(2), srv.requests.Load(), "every page is read before truncating")
}

const unorderedPage1 = `{
  "links": {"next": {"href": "%s/unordered/2"}},
  "data": [
    {"type": "items", "id": "urn:new", "attributes": {"displayName": "new.pdf", "lastModifiedTime": "2024-03-03T00:00:00Z"}},
    {"type": "items", "id": "urn:old", "attributes": {"displayName": "old.pdf", "lastModifiedTime": "2024-03-01T00:00:00Z"}}
  ]
}`

const unorderedPage2 = `{
  "data": [
    {"type": "items", "id": "urn:mid", "attributes": {"displayName": "mid.pdf", "lastModifiedTime": "2024-03-02T00:00:00Z"}}
  ]
}`

func TestListChangedYieldsOldestFirstAcrossPages(t *testing.T) {
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/data/v1/projects/p1/folders/f1/contents", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintf(w, unorderedPage1, srv.URL)
	})
	mux.HandleFunc("/unordered/2", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, unorderedPage2)
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	s := newSource(t, srv.URL, source.Credential{Type: "none"})

	list := func(max int) []string {
		var ids []string
		err := s.ListChanged(context.Background(), source.ListOptions{MaxResults: max}, func(rec *source.CandidateRecord) error {
			ids = append(ids, rec.ExternalID)
			return nil
		})
		require.NoError(t, err)
		return ids
	}

	assert.Equal(t, []string{"urn:old", "urn:mid", "urn:new"}, list(0))
	assert.Equal(t, []string{"urn:old"}, list(1))
	assert.Equal(t, []string{"urn:old", "urn:mid"}, list(2))
}

func TestAuthenticateRejected(t *testing.T) {
	srv := newTestServer(t)
	s := newSource(t, srv.URL, source.Credential{Type: "client_credentials", ClientID: "client", ClientSecret: "wrong"})

	err := s.Authenticate(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, syncerr.KindAuthentication, syncerr.KindOf(err))
}

type countingGate struct {
	calls atomic.Int32
	err   error
}

func (g *countingGate) Wait(ctx context.Context) error {
	g.calls.Add(1)
	return g.err
}

func TestAuthenticateWaitsOnGate(t *testing.T) {
	srv := newTestServer(t)
	s := newSource(t, srv.URL, source.Credential{Type: "client_credentials", ClientID: "client", ClientSecret: "secret"})

	gate := &countingGate{}
	require.NoError(t, s.Authenticate(context.Background(), gate))
	assert.Equal(t, int32(1), gate.calls.Load())
	assert.Equal(t, int32(1), srv.tokens.Load())
}

func TestAuthenticateStopsWhenGateRefuses(t *testing.T) {
	srv := newTestServer(t)
	s := newSource(t, srv.URL, source.Credential{Type: "client_credentials", ClientID: "client", ClientSecret: "secret"})

	refused := errors.New("breaker open")
	err := s.Authenticate(context.Background(), &countingGate{err: refused})
	assert.ErrorIs(t, err, refused)
	assert.Zero(t, srv.tokens.Load())
}

func TestTokenRefreshOutlivesAuthenticateContext(t *testing.T) {
	srv := newTestServer(t)
	srv.expiring.Store(true)
	s := newSource(t, srv.URL, source.Credential{Type: "client_credentials", ClientID: "client", ClientSecret: "secret"})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Authenticate(ctx, nil))
	cancel()

	err := s.ListChanged(context.Background(), source.ListOptions{}, func(*source.CandidateRecord) error { return nil })
	require.NoError(t, err)
	assert.GreaterOrEqual(t, srv.tokens.Load(), int32(2))
}

func TestListWithoutAuthenticate(t *testing.T) {
	srv := newTestServer(t)
	s := newSource(t, srv.URL, source.Credential{Type: "client_credentials", ClientID: "client", ClientSecret: "secret"})

	err := s.ListChanged(context.Background(), source.ListOptions{}, func(*source.CandidateRecord) error { return nil })
	assert.Equal(t, syncerr.KindAuthentication, syncerr.KindOf(err))
}

func TestRateLimitedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "12")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = fmt.Fprint(w, `{"errors":[{"detail":"Too many requests"}]}`)
	}))
	defer srv.Close()

	s := newSource(t, srv.URL, source.Credential{Type: "none"})
	err := s.ListChanged(context.Background(), source.ListOptions{}, func(*source.CandidateRecord) error { return nil })

	require.Error(t, err)
	assert.Equal(t, syncerr.KindRateLimited, syncerr.KindOf(err))
	assert.Equal(t, 12*time.Second, syncerr.RetryAfter(err))
	assert.Contains(t, err.Error(), "Too many requests")
}

func TestHealthCheck(t *testing.T) {
	srv := newTestServer(t)
	s := newSource(t, srv.URL, source.Credential{Type: "none"})
	assert.NoError(t, s.HealthCheck(context.Background()))
}

func TestContentsURL(t *testing.T) {
	raw := ContentsURL(Config{BaseURL: "https://api.example.com", ProjectID: "b.123", FolderID: "urn:adsk.wip:fs.folder:co.abc"}, time.Time{})
	u, err := url.Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, "items", u.Query().Get("filter[type]"))
	assert.Empty(t, u.Query().Get("filter[lastModifiedTime]"))
	assert.Contains(t, u.Path, "/data/v1/projects/b.123/folders/")
}

func TestValidate(t *testing.T) {
	deps := source.Deps{Credentials: map[string]source.Credential{
		"acc": {Type: "client_credentials", ClientID: "id", ClientSecret: "secret"},
	}}

	ok := &models.Endpoint{ID: "a", Credential: "acc", Details: map[string]interface{}{"project_id": "p", "folder_id": "f"}}
	assert.NoError(t, validate(ok, deps))

	noFolder := &models.Endpoint{ID: "a", Credential: "acc", Details: map[string]interface{}{"project_id": "p"}}
	assert.Equal(t, syncerr.KindConfig, syncerr.KindOf(validate(noFolder, deps)))

	noCred := &models.Endpoint{ID: "a", Details: map[string]interface{}{"project_id": "p", "folder_id": "f"}}
	assert.Equal(t, syncerr.KindConfig, syncerr.KindOf(validate(noCred, deps)))
}
