package template

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

var ErrNotFound = errors.New("template not found")

// Filter narrows List results. Zero value matches everything.
type Filter struct {
	ID string
	// NameGlob matches template names with doublestar patterns ("sales/**").
	NameGlob string
	// Tags must all be present on a template for it to match.
	Tags []string
	// LatestOnly keeps only the highest version per template id.
	LatestOnly bool
}

func (f Filter) matches(t Template) bool {
	if f.ID != "" && t.ID != f.ID {
		return false
	}
	if f.NameGlob != "" {
		ok, err := doublestar.Match(f.NameGlob, t.Name)
		if err != nil || !ok {
			return false
		}
	}
	for _, want := range f.Tags {
		found := false
		for _, tag := range t.Tags {
			if tag == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Store is the persistence contract for templates. Put is an upsert keyed by
// (ID, Version); Get with version 0 resolves the latest version.
type Store interface {
	Put(ctx context.Context, t Template) error
	Get(ctx context.Context, id string, version int) (Template, error)
	List(ctx context.Context, f Filter) ([]Template, error)
	Close() error
}

// MemoryStore keeps templates in process memory. Safe for concurrent use.
type MemoryStore struct {
	mu        sync.RWMutex
	templates map[string]map[int]Template
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{templates: map[string]map[int]Template{}}
}

func (s *MemoryStore) Put(_ context.Context, t Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions, ok := s.templates[t.ID]
	if !ok {
		versions = map[int]Template{}
		s.templates[t.ID] = versions
	}
	versions[t.Version] = t
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string, version int) (Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions, ok := s.templates[id]
	if !ok || len(versions) == 0 {
		return Template{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if version == 0 {
		latest := 0
		for v := range versions {
			if v > latest {
				latest = v
			}
		}
		return versions[latest], nil
	}
	t, ok := versions[version]
	if !ok {
		return Template{}, fmt.Errorf("%w: %s v%d", ErrNotFound, id, version)
	}
	return t, nil
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Template
	for _, versions := range s.templates {
		for _, t := range versions {
			if f.matches(t) {
				out = append(out, t)
			}
		}
	}
	sortTemplates(out)
	if f.LatestOnly {
		out = latestOnly(out)
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

func sortTemplates(ts []Template) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].ID != ts[j].ID {
			return ts[i].ID < ts[j].ID
		}
		return ts[i].Version < ts[j].Version
	})
}

// latestOnly assumes ts is sorted by (ID, Version) ascending.
func latestOnly(ts []Template) []Template {
	var out []Template
	for i, t := range ts {
		if i+1 < len(ts) && ts[i+1].ID == t.ID {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Registry validates and timestamps templates on the way into a Store.
type Registry struct {
	store Store

	// now is replaceable in tests.
	now func() time.Time
}

func NewRegistry(store Store) *Registry {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Registry{store: store, now: time.Now}
}

// Register validates the template and upserts it. Registration is idempotent per
// (id, version): re-registering replaces the stored record with the new
// fields, preserving the original creation time.
func (r *Registry) Register(ctx context.Context, t Template) (Template, error) {
	if strings.TrimSpace(t.Name) == "" {
		t.Name = t.ID
	}
	if err := t.Validate(); err != nil {
		return Template{}, err
	}
	now := r.now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	if prev, err := r.store.Get(ctx, t.ID, t.Version); err == nil {
		t.CreatedAt = prev.CreatedAt
	}
	if err := r.store.Put(ctx, t); err != nil {
		return Template{}, err
	}
	return t, nil
}

// Get returns a template; version 0 resolves the latest registered version.
func (r *Registry) Get(ctx context.Context, id string, version int) (Template, error) {
	return r.store.Get(ctx, id, version)
}

func (r *Registry) List(ctx context.Context, f Filter) ([]Template, error) {
	return r.store.List(ctx, f)
}

func (r *Registry) Close() error { return r.store.Close() }
