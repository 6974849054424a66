package specstore

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/keel/pkg/clock"
	"github.com/cuemby/keel/pkg/log"
	"github.com/cuemby/keel/pkg/storage"
	"github.com/cuemby/keel/pkg/types"
	"github.com/rs/zerolog"
)

const specPrefix = "spec."

// SpecDescription is a stored spec with its bookkeeping
type SpecDescription struct {
	Spec    types.ServiceSpec
	RankMap types.RankMap
	Created time.Time
	Deleted time.Time
}

// IsDeleted reports whether the spec has been soft-deleted
func (d SpecDescription) IsDeleted() bool {
	return !d.Deleted.IsZero()
}

type entry struct {
	spec    types.ServiceSpec
	rankMap types.RankMap
	created time.Time
	deleted time.Time
}

func (e *entry) describe() SpecDescription {
	return SpecDescription{
		Spec:    e.spec.Clone(),
		RankMap: e.rankMap.Clone(),
		Created: e.created,
		Deleted: e.deleted,
	}
}

// record is the persisted form of an entry
type record struct {
	Spec    types.ServiceSpec `json:"spec"`
	Created time.Time         `json:"created"`
	Deleted *time.Time        `json:"deleted,omitempty"`
	RankMap types.RankMap     `json:"rank_map,omitempty"`
}

// Store is the desired-state store. Deletion is two-phase: Rm marks a spec
// deleted but keeps it visible so its daemons can be torn down, FinallyRm
// drops it once nothing is left.
type Store struct {
	mu       sync.RWMutex
	store    storage.Store
	clock    clock.Clock
	specs    map[string]*entry
	previews map[string]types.ServiceSpec
	logger   zerolog.Logger
}

// New creates an empty spec store
func New(store storage.Store, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{
		store:    store,
		clock:    clk,
		specs:    make(map[string]*entry),
		previews: make(map[string]types.ServiceSpec),
		logger:   log.WithComponent("specstore"),
	}
}

// Load reads every persisted spec
func (s *Store) Load() error {
	records, err := s.store.GetPrefix(specPrefix)
	if err != nil {
		return fmt.Errorf("failed to load specs: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, data := range records {
		name := strings.TrimPrefix(key, specPrefix)
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			s.logger.Warn().Err(err).Str("service", name).Msg("unable to load spec")
			continue
		}
		if err := rec.Spec.Validate(); err != nil {
			s.logger.Warn().Err(err).Str("service", name).Msg("stored spec no longer validates")
			continue
		}
		e := &entry{spec: rec.Spec, rankMap: rec.RankMap, created: rec.Created}
		if rec.Deleted != nil {
			e.deleted = *rec.Deleted
		}
		s.specs[name] = e
	}
	s.logger.Debug().Int("specs", len(s.specs)).Msg("loaded specs")
	return nil
}

func (s *Store) persist(name string, e *entry) error {
	rec := record{Spec: e.spec, Created: e.created, RankMap: e.rankMap}
	if !e.deleted.IsZero() {
		d := e.deleted
		rec.Deleted = &d
	}
	if err := storage.SetJSON(s.store, specPrefix+name, rec); err != nil {
		return fmt.Errorf("failed to persist spec %s: %w", name, err)
	}
	return nil
}

// Save inserts or overwrites a spec. The creation time is stamped on the
// first save only. Saving a soft-deleted spec revives it. Preview-only specs
// are staged apart and never persisted.
func (s *Store) Save(spec types.ServiceSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	name := spec.ServiceName()

	s.mu.Lock()
	defer s.mu.Unlock()

	if spec.PreviewOnly {
		s.previews[name] = spec.Clone()
		return nil
	}

	e := &entry{spec: spec.Clone(), created: s.clock.Now()}
	if old, ok := s.specs[name]; ok {
		e.created = old.created
		e.rankMap = old.rankMap
	}
	if e.rankMap == nil && spec.TypeInfo().RankStable {
		e.rankMap = types.RankMap{}
	}
	if err := s.persist(name, e); err != nil {
		return err
	}
	s.specs[name] = e
	delete(s.previews, name)
	return nil
}

// SaveRankMap replaces the rank map of a service
func (s *Store) SaveRankMap(name string, m types.RankMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.specs[name]
	if !ok {
		return types.NewNotFoundError("service", name)
	}
	updated := *e
	updated.rankMap = m.Clone()
	if err := s.persist(name, &updated); err != nil {
		return err
	}
	s.specs[name] = &updated
	return nil
}

// Rm soft-deletes a spec. Preview specs are dropped at once. It reports
// whether the spec existed.
func (s *Store) Rm(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.previews[name]; ok {
		delete(s.previews, name)
		return true, nil
	}
	e, ok := s.specs[name]
	if !ok {
		return false, nil
	}
	if !e.deleted.IsZero() {
		return true, nil
	}
	updated := *e
	updated.deleted = s.clock.Now()
	if err := s.persist(name, &updated); err != nil {
		return true, err
	}
	s.specs[name] = &updated
	s.logger.Info().Str("service", name).Msg("service marked for removal")
	return true, nil
}

// FinallyRm hard-deletes a spec and its rank map
func (s *Store) FinallyRm(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.specs[name]; !ok {
		return false, nil
	}
	if err := s.store.Delete(specPrefix + name); err != nil {
		return true, fmt.Errorf("failed to delete spec %s: %w", name, err)
	}
	delete(s.specs, name)
	s.logger.Info().Str("service", name).Msg("service removed")
	return true, nil
}

// Get returns one spec, deleted or not
func (s *Store) Get(name string) (SpecDescription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.specs[name]
	if !ok {
		return SpecDescription{}, types.NewNotFoundError("service", name)
	}
	return e.describe(), nil
}

// Contains reports whether a spec is stored, deleted or not
func (s *Store) Contains(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.specs[name]
	return ok
}

// AllSpecs returns active and soft-deleted specs ordered by name
func (s *Store) AllSpecs() []SpecDescription {
	return s.filter(func(*entry) bool { return true })
}

// ActiveSpecs returns the specs not marked for deletion
func (s *Store) ActiveSpecs() []SpecDescription {
	return s.filter(func(e *entry) bool { return e.deleted.IsZero() })
}

// DeletedSpecs returns the soft-deleted specs
func (s *Store) DeletedSpecs() []SpecDescription {
	return s.filter(func(e *entry) bool { return !e.deleted.IsZero() })
}

func (s *Store) filter(keep func(*entry) bool) []SpecDescription {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []SpecDescription
	for _, e := range s.specs {
		if keep(e) {
			out = append(out, e.describe())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Spec.ServiceName() < out[j].Spec.ServiceName() })
	return out
}

// Previews returns the staged preview-only specs ordered by name
func (s *Store) Previews() []types.ServiceSpec {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.ServiceSpec, 0, len(s.previews))
	for _, spec := range s.previews {
		out = append(out, spec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServiceName() < out[j].ServiceName() })
	return out
}
