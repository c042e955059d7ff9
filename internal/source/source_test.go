package source

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/file-connector/internal/models"
	"github.com/file-connector/internal/syncerr"
)

func TestMatchesFileType(t *testing.T) {
	tests := []struct {
		name      string
		file      string
		mime      string
		fileTypes []string
		want      bool
	}{
		{"no filter", "plan.dwg", "", nil, true},
		{"wildcard", "plan.dwg", "", []string{"*"}, true},
		{"extension", "plan.DWG", "", []string{"dwg", "rvt"}, true},
		{"dotted extension", "plan.pdf", "", []string{".pdf"}, true},
		{"extension miss", "plan.pdf", "", []string{"dwg"}, false},
		{"mime prefix", "report", "application/pdf", []string{"application/pdf"}, true},
		{"mime miss", "report", "text/plain", []string{"application/pdf"}, false},
		{"no extension", "README", "", []string{"md"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchesFileType(tt.file, tt.mime, tt.fileTypes))
		})
	}
}

func TestGenerateExternalIDStable(t *testing.T) {
	a := GenerateExternalID(TypeFeed, "https://example.com/a")
	assert.Len(t, a, 32)
	assert.Equal(t, a, GenerateExternalID(TypeFeed, "https://example.com/a"))
	assert.NotEqual(t, a, GenerateExternalID(TypeFeed, "https://example.com/b"))
}

func TestStatusError(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "7")

	assert.NoError(t, StatusError("op", 200, nil, ""))
	assert.Equal(t, syncerr.KindAuthentication, syncerr.KindOf(StatusError("op", 401, nil, "")))
	assert.Equal(t, syncerr.KindAuthentication, syncerr.KindOf(StatusError("op", 403, nil, "")))
	assert.Equal(t, syncerr.KindConnection, syncerr.KindOf(StatusError("op", 503, nil, "")))
	assert.Equal(t, syncerr.KindUnknown, syncerr.KindOf(StatusError("op", 404, nil, "")))

	err := StatusError("op", 429, h, "slow down")
	assert.Equal(t, syncerr.KindRateLimited, syncerr.KindOf(err))
	assert.Equal(t, 7*time.Second, syncerr.RetryAfter(err))
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, DefaultRetryAfter, ParseRetryAfter(nil))
	assert.Equal(t, DefaultRetryAfter, ParseRetryAfter(http.Header{}))

	h := http.Header{}
	h.Set("Retry-After", "0")
	assert.Zero(t, ParseRetryAfter(h))

	h.Set("Retry-After", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
	assert.InDelta(t, time.Hour.Seconds(), ParseRetryAfter(h).Seconds(), 5)
}

func TestTransportError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, TransportError(ctx, "op", context.Canceled), context.Canceled)

	err := TransportError(context.Background(), "op", errors.New("connection refused"))
	assert.Equal(t, syncerr.KindConnection, syncerr.KindOf(err))

	auth := syncerr.Authentication("op", errors.New("expired"))
	assert.Same(t, auth, TransportError(context.Background(), "op", auth))
}

type stubSource struct{}

func (stubSource) Type() Type                            { return TypeFeed }
func (stubSource) Authenticate(ctx context.Context, gate RequestGate) error { return nil }
func (stubSource) HealthCheck(ctx context.Context) error  { return nil }
func (stubSource) ListChanged(ctx context.Context, opts ListOptions, yield func(*CandidateRecord) error) error {
	return nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(Deps{Credentials: map[string]Credential{"feed-creds": {Type: "none"}}})

	require.Error(t, r.Register("dropbox", Registration{Build: func(*models.Endpoint, Deps) (Source, error) { return stubSource{}, nil }}))

	require.NoError(t, r.Register(TypeFeed, Registration{
		Validate: func(ep *models.Endpoint, _ Deps) error {
			if ep.Detail("url") == "" {
				return errors.New("url required")
			}
			return nil
		},
		Build: func(*models.Endpoint, Deps) (Source, error) { return stubSource{}, nil },
	}))
	assert.Equal(t, []Type{TypeFeed}, r.Types())

	t.Run("unknown type", func(t *testing.T) {
		err := r.Validate(&models.Endpoint{ID: "x", SourceType: "dropbox"})
		assert.Equal(t, syncerr.KindConfig, syncerr.KindOf(err))
	})

	t.Run("unregistered known type", func(t *testing.T) {
		err := r.Validate(&models.Endpoint{ID: "x", SourceType: string(TypeGoogleDrive)})
		assert.Equal(t, syncerr.KindConfig, syncerr.KindOf(err))
	})

	t.Run("adapter validation wrapped as config error", func(t *testing.T) {
		err := r.Validate(&models.Endpoint{ID: "x", SourceType: string(TypeFeed)})
		require.Error(t, err)
		assert.Equal(t, syncerr.KindConfig, syncerr.KindOf(err))
		assert.Contains(t, err.Error(), "url required")
	})

	t.Run("unknown credential", func(t *testing.T) {
		err := r.Validate(&models.Endpoint{ID: "x", SourceType: string(TypeFeed), Credential: "missing"})
		assert.Equal(t, syncerr.KindConfig, syncerr.KindOf(err))
	})

	t.Run("build", func(t *testing.T) {
		src, err := r.Build(&models.Endpoint{
			ID:         "x",
			SourceType: string(TypeFeed),
			Credential: "feed-creds",
			Details:    map[string]interface{}{"url": "https://example.com/feed"},
		})
		require.NoError(t, err)
		assert.Equal(t, TypeFeed, src.Type())
	})
}

func TestCredentialBytes(t *testing.T) {
	data, err := Credential{JSON: `{"type":"service_account"}`}.Bytes()
	require.NoError(t, err)
	assert.Contains(t, string(data), "service_account")

	_, err = Credential{}.Bytes()
	assert.Error(t, err)

	_, err = Credential{File: "/nonexistent/creds.json"}.Bytes()
	assert.Error(t, err)
}
