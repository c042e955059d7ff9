package source

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/file-connector/internal/models"
	"github.com/file-connector/internal/pool"
	"github.com/file-connector/internal/syncerr"
	"github.com/file-connector/pkg/logger"
)

// Credential is a named secret an endpoint refers to
type Credential struct {
	Type         string // service_account, client_credentials or none
	File         string
	JSON         string
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
}

// Bytes returns the inline JSON, or the contents of File
func (c Credential) Bytes() ([]byte, error) {
	if c.JSON != "" {
		return []byte(c.JSON), nil
	}
	if c.File == "" {
		return nil, fmt.Errorf("credential has neither json nor file")
	}
	data, err := os.ReadFile(c.File)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}
	return data, nil
}

// Deps are the shared services handed to adapters
type Deps struct {
	Pools       *pool.Manager
	Credentials map[string]Credential
	Log         *logger.Logger
}

// Credential resolves a credential reference
func (d Deps) Credential(name string) (Credential, error) {
	c, ok := d.Credentials[name]
	if !ok {
		return Credential{}, fmt.Errorf("unknown credential %q", name)
	}
	return c, nil
}

// Registration wires one source type
type Registration struct {
	// Validate checks the endpoint's source-specific details
	Validate func(ep *models.Endpoint, deps Deps) error
	// Build constructs an adapter for a validated endpoint
	Build func(ep *models.Endpoint, deps Deps) (Source, error)
}

// Registry resolves endpoint source types to adapters
type Registry struct {
	deps Deps

	mu      sync.RWMutex
	entries map[Type]Registration
}

// NewRegistry creates an empty registry
func NewRegistry(deps Deps) *Registry {
	if deps.Log == nil {
		deps.Log = logger.Nop()
	}
	if deps.Pools == nil {
		deps.Pools = pool.NewManager(pool.DefaultConfig(), deps.Log)
	}
	return &Registry{
		deps:    deps,
		entries: make(map[Type]Registration),
	}
}

func known(t Type) bool {
	for _, k := range Known() {
		if k == t {
			return true
		}
	}
	return false
}

// Register installs a source type. Only the known types may be registered.
func (r *Registry) Register(t Type, reg Registration) error {
	if !known(t) {
		return fmt.Errorf("unsupported source type %q", t)
	}
	if reg.Build == nil {
		return fmt.Errorf("source type %q has no constructor", t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[t] = reg
	return nil
}

// Types returns the registered source types
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Type, 0, len(r.entries))
	for t := range r.entries {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) lookup(ep *models.Endpoint) (Registration, error) {
	t := Type(ep.SourceType)

	r.mu.RLock()
	reg, ok := r.entries[t]
	r.mu.RUnlock()

	if !ok {
		return Registration{}, syncerr.Config("validate "+ep.ID, "unsupported source type %q", ep.SourceType)
	}
	return reg, nil
}

// Validate checks an endpoint's source type, credential and details
func (r *Registry) Validate(ep *models.Endpoint) error {
	reg, err := r.lookup(ep)
	if err != nil {
		return err
	}

	if ep.Credential != "" {
		if _, err := r.deps.Credential(ep.Credential); err != nil {
			return syncerr.Config("validate "+ep.ID, "%v", err)
		}
	}

	if reg.Validate != nil {
		if err := reg.Validate(ep, r.deps); err != nil {
			if syncerr.Is(err, syncerr.KindConfig) {
				return err
			}
			return syncerr.Config("validate "+ep.ID, "%v", err)
		}
	}
	return nil
}

// Build validates the endpoint and constructs its adapter
func (r *Registry) Build(ep *models.Endpoint) (Source, error) {
	if err := r.Validate(ep); err != nil {
		return nil, err
	}
	reg, err := r.lookup(ep)
	if err != nil {
		return nil, err
	}
	return reg.Build(ep, r.deps)
}

// Pools returns the pool manager shared by adapters
func (r *Registry) Pools() *pool.Manager {
	return r.deps.Pools
}
