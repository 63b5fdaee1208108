package scope

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/transitlive/dispatch/internal/model"
)

// DefaultTTL is applied when a call passes no explicit TTL.
const DefaultTTL = 2 * time.Minute

// Store holds scope definitions and scoped frames, each TTL-indexed by
// scope id. Expiration is lazy: expired entries are invisible to reads
// and deleted when touched. Reads (HTTP) and writes (processor) may
// race; both caches are internally locked.
//
// The two maps are independent; there is no transactional coupling
// between a definition and its frame.
type Store struct {
	defs   *gocache.Cache
	frames *gocache.Cache
	ttl    time.Duration
	log    *logrus.Entry

	// OnScopeCreated and OnFrameUpdated are observability hooks; either
	// may be nil.
	OnScopeCreated func(def model.ScopeDefinition)
	OnFrameUpdated func(frame model.ScopedTrainsFrame)
}

// NewStore creates a Store. defaultTTL <= 0 falls back to DefaultTTL.
// No background sweeper runs; lazy deletion suffices.
func NewStore(defaultTTL time.Duration, log *logrus.Logger) *Store {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &Store{
		defs:   gocache.New(defaultTTL, 0),
		frames: gocache.New(defaultTTL, 0),
		ttl:    defaultTTL,
		log:    log.WithField("component", "scope-store"),
	}
}

// UpsertScope writes or refreshes a scope definition. ttl == 0 applies
// the store default.
func (s *Store) UpsertScope(id string, def model.ScopeDefinition, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.ttl
	}
	s.defs.Set(id, def, ttl)
	s.log.WithFields(logrus.Fields{"scope": id, "city": def.CityID}).Debug("scope upserted")
	if s.OnScopeCreated != nil {
		s.OnScopeCreated(def)
	}
}

// GetScope returns the definition for id. Expired or unknown scopes
// report ok == false; an expired entry is lazily deleted.
func (s *Store) GetScope(id string) (model.ScopeDefinition, bool) {
	v, ok := s.defs.Get(id)
	if !ok {
		s.defs.Delete(id)
		return model.ScopeDefinition{}, false
	}
	return v.(model.ScopeDefinition), true
}

// SetFrame writes or refreshes the frame for a scope. ttl == 0 applies
// the store default.
func (s *Store) SetFrame(id string, frame model.ScopedTrainsFrame, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.ttl
	}
	s.frames.Set(id, frame, ttl)
	if s.OnFrameUpdated != nil {
		s.OnFrameUpdated(frame)
	}
}

// GetFrame returns the latest frame for id with the same expiration
// semantics as GetScope.
func (s *Store) GetFrame(id string) (model.ScopedTrainsFrame, bool) {
	v, ok := s.frames.Get(id)
	if !ok {
		s.frames.Delete(id)
		return model.ScopedTrainsFrame{}, false
	}
	return v.(model.ScopedTrainsFrame), true
}

// ForEachActiveScope visits every unexpired scope definition. Order is
// unspecified.
func (s *Store) ForEachActiveScope(visit func(def model.ScopeDefinition)) {
	for _, item := range s.defs.Items() {
		visit(item.Object.(model.ScopeDefinition))
	}
}

// ActiveScopes returns a snapshot of all unexpired scope definitions.
func (s *Store) ActiveScopes() []model.ScopeDefinition {
	items := s.defs.Items()
	out := make([]model.ScopeDefinition, 0, len(items))
	for _, item := range items {
		out = append(out, item.Object.(model.ScopeDefinition))
	}
	return out
}

// ActiveScopeCount reports how many scope definitions are live.
func (s *Store) ActiveScopeCount() int {
	return s.defs.ItemCount()
}

// Sweep deletes expired entries from both maps. Lazy expiration makes
// this optional; the processor calls it from its cleanup tick to keep
// ItemCount honest.
func (s *Store) Sweep() {
	s.defs.DeleteExpired()
	s.frames.DeleteExpired()
}
