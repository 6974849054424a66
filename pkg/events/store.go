package events

import (
	"errors"
	"strings"
	"sync"

	"github.com/cuemby/keel/pkg/clock"
	"github.com/cuemby/keel/pkg/types"
	"github.com/google/uuid"
)

// MaxPerSubject is the number of events kept per subject
const MaxPerSubject = 5

// Store keeps a short, de-duplicated event history per subject
type Store struct {
	mu     sync.RWMutex
	events map[string][]types.Event
	clock  clock.Clock
	broker *Broker
}

// NewStore creates an event store. Accepted events are also published on
// broker when it is not nil.
func NewStore(clk clock.Clock, broker *Broker) *Store {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{
		events: make(map[string][]types.Event),
		clock:  clk,
		broker: broker,
	}
}

// Add records an event. An event repeating a message already recorded for
// the subject replaces the older copy, so it moves to the newest position.
// Only the newest MaxPerSubject events are kept.
func (s *Store) Add(e types.Event) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Created.IsZero() {
		e.Created = s.clock.Now()
	}
	key := e.Key()

	s.mu.Lock()
	list := s.events[key]
	kept := make([]types.Event, 0, len(list)+1)
	for _, old := range list {
		if old.Message != e.Message {
			kept = append(kept, old)
		}
	}
	kept = append(kept, e)
	if len(kept) > MaxPerSubject {
		kept = kept[len(kept)-MaxPerSubject:]
	}
	s.events[key] = kept
	s.mu.Unlock()

	if s.broker != nil {
		published := e
		s.broker.Publish(&published)
	}
}

// ForService records an event against a service
func (s *Store) ForService(serviceName string, level types.EventLevel, message string) {
	s.Add(types.Event{Kind: types.EventKindService, Subject: serviceName, Level: level, Message: message})
}

// ForDaemon records an event against a daemon
func (s *Store) ForDaemon(daemonName string, level types.EventLevel, message string) {
	s.Add(types.Event{Kind: types.EventKindDaemon, Subject: daemonName, Level: level, Message: message})
}

// FromError records an error event against the subject carried by err. It
// reports false when err names no subject.
func (s *Store) FromError(err error) bool {
	var execErr *types.ExecutionError
	if !errors.As(err, &execErr) || execErr.Subject == "" {
		return false
	}
	s.Add(types.Event{Kind: execErr.Kind, Subject: execErr.Subject, Level: types.EventLevelError, Message: err.Error()})
	return true
}

// GetForService returns the events of a service, oldest first
func (s *Store) GetForService(name string) []types.Event {
	return s.get(string(types.EventKindService) + ":" + name)
}

// GetForDaemon returns the events of a daemon, oldest first
func (s *Store) GetForDaemon(name string) []types.Event {
	return s.get(string(types.EventKindDaemon) + ":" + name)
}

func (s *Store) get(key string) []types.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.Event(nil), s.events[key]...)
}

// Cleanup drops the history of services and daemons that no longer exist
func (s *Store) Cleanup(knownServices, knownDaemons []string) int {
	services := make(map[string]bool, len(knownServices))
	for _, n := range knownServices {
		services[n] = true
	}
	daemons := make(map[string]bool, len(knownDaemons))
	for _, n := range knownDaemons {
		daemons[n] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key := range s.events {
		kind, subject, _ := strings.Cut(key, ":")
		switch types.EventKind(kind) {
		case types.EventKindService:
			if !services[subject] {
				delete(s.events, key)
				removed++
			}
		case types.EventKindDaemon:
			if !daemons[subject] {
				delete(s.events, key)
				removed++
			}
		}
	}
	return removed
}
