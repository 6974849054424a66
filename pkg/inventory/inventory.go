package inventory

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cuemby/keel/pkg/log"
	"github.com/cuemby/keel/pkg/storage"
	"github.com/cuemby/keel/pkg/types"
	"github.com/rs/zerolog"
)

const hostPrefix = "host."

// Registry is the durable host inventory
type Registry struct {
	mu     sync.RWMutex
	store  storage.Store
	hosts  map[string]types.Host
	logger zerolog.Logger
}

// NewRegistry creates an empty registry backed by store
func NewRegistry(store storage.Store) *Registry {
	return &Registry{
		store:  store,
		hosts:  make(map[string]types.Host),
		logger: log.WithComponent("inventory"),
	}
}

// Load reads every persisted host record
func (r *Registry) Load() error {
	records, err := r.store.GetPrefix(hostPrefix)
	if err != nil {
		return fmt.Errorf("failed to load inventory: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.hosts = make(map[string]types.Host, len(records))
	for key, data := range records {
		var h types.Host
		if err := json.Unmarshal(data, &h); err != nil {
			r.logger.Warn().Err(err).Str("key", key).Msg("skipping unreadable host record")
			continue
		}
		r.hosts[h.Hostname] = h
	}
	r.logger.Debug().Int("hosts", len(r.hosts)).Msg("loaded inventory")
	return nil
}

func (r *Registry) save(h types.Host) error {
	if err := storage.SetJSON(r.store, hostPrefix+h.Hostname, h); err != nil {
		return fmt.Errorf("failed to persist host %s: %w", h.Hostname, err)
	}
	r.hosts[h.Hostname] = h
	return nil
}

// AddHost inserts a host, or merges address and labels into an existing
// record. It reports whether the host is new.
func (r *Registry) AddHost(spec types.Host) (bool, error) {
	if err := spec.Validate(); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.hosts[spec.Hostname]
	if !ok {
		h := spec.Clone()
		if h.Addr == "" {
			h.Addr = h.Hostname
		}
		h.Labels = types.SortedLabels(h.Labels)
		if err := r.save(h); err != nil {
			return false, err
		}
		r.logger.Info().Str("host", h.Hostname).Str("addr", h.Addr).Msg("added host")
		return true, nil
	}

	merged := existing.Clone()
	if spec.Addr != "" {
		merged.Addr = spec.Addr
	}
	merged.Labels = types.SortedLabels(append(merged.Labels, spec.Labels...))
	return false, r.save(merged)
}

// RemoveHost deletes a host record
func (r *Registry) RemoveHost(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.hosts[name]; !ok {
		return types.NewNotFoundError("host", name)
	}
	if err := r.store.Delete(hostPrefix + name); err != nil {
		return fmt.Errorf("failed to delete host %s: %w", name, err)
	}
	delete(r.hosts, name)
	r.logger.Info().Str("host", name).Msg("removed host")
	return nil
}

func (r *Registry) update(name string, fn func(h *types.Host) bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.hosts[name]
	if !ok {
		return types.NewNotFoundError("host", name)
	}
	h = h.Clone()
	if !fn(&h) {
		return nil
	}
	return r.save(h)
}

// AddLabel adds a label to a host; adding a present label is a no-op
func (r *Registry) AddLabel(name, label string) error {
	label = strings.TrimSpace(label)
	if label == "" {
		return types.NewValidationError("label must not be empty")
	}
	return r.update(name, func(h *types.Host) bool {
		if h.HasLabel(label) {
			return false
		}
		h.Labels = types.SortedLabels(append(h.Labels, label))
		return true
	})
}

// RemoveLabel removes a label from a host; removing an absent label is a no-op
func (r *Registry) RemoveLabel(name, label string) error {
	return r.update(name, func(h *types.Host) bool {
		if !h.HasLabel(label) {
			return false
		}
		kept := h.Labels[:0]
		for _, l := range h.Labels {
			if l != label {
				kept = append(kept, l)
			}
		}
		h.Labels = kept
		return true
	})
}

// SetAddr updates a host's address
func (r *Registry) SetAddr(name, addr string) error {
	if addr == "" {
		return types.NewValidationError("address must not be empty")
	}
	return r.update(name, func(h *types.Host) bool {
		if h.Addr == addr {
			return false
		}
		h.Addr = addr
		return true
	})
}

// SetStatus changes a host's status
func (r *Registry) SetStatus(name string, status types.HostStatus) error {
	return r.update(name, func(h *types.Host) bool {
		if h.Status == status {
			return false
		}
		r.logger.Info().Str("host", name).Str("from", string(h.Status)).Str("to", string(status)).Msg("host status changed")
		h.Status = status
		return true
	})
}

// Get returns a copy of a host record
func (r *Registry) Get(name string) (types.Host, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.hosts[name]
	if !ok {
		return types.Host{}, types.NewNotFoundError("host", name)
	}
	return h.Clone(), nil
}

// Contains reports whether a host is registered
func (r *Registry) Contains(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.hosts[name]
	return ok
}

// List returns all hosts ordered by hostname
func (r *Registry) List() []types.Host {
	return r.filter(func(types.Host) bool { return true })
}

// Hostnames returns every hostname, sorted
func (r *Registry) Hostnames() []string {
	hosts := r.List()
	out := make([]string, len(hosts))
	for i, h := range hosts {
		out[i] = h.Hostname
	}
	return out
}

// HostsWithLabel returns the hosts carrying label
func (r *Registry) HostsWithLabel(label string) []types.Host {
	return r.filter(func(h types.Host) bool { return h.HasLabel(label) })
}

// HostsWithStatus returns the hosts in status
func (r *Registry) HostsWithStatus(status types.HostStatus) []types.Host {
	return r.filter(func(h types.Host) bool { return h.Status == status })
}

// Len returns the number of registered hosts
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hosts)
}

func (r *Registry) filter(keep func(types.Host) bool) []types.Host {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.Host, 0, len(r.hosts))
	for _, h := range r.hosts {
		if keep(h) {
			out = append(out, h.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	return out
}
