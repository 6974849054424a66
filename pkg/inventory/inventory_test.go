package inventory

import (
	"testing"

	"github.com/containerd/errdefs"
	"github.com/cuemby/keel/pkg/storage"
	"github.com/cuemby/keel/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddHostMerges(t *testing.T) {
	r := NewRegistry(storage.NewMemoryStore())

	created, err := r.AddHost(types.Host{Hostname: "h1", Labels: []string{"mon"}})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = r.AddHost(types.Host{Hostname: "h1", Addr: "10.0.0.1", Labels: []string{"mgr", "mon"}})
	require.NoError(t, err)
	assert.False(t, created)

	h, err := r.Get("h1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", h.Addr)
	assert.Equal(t, []string{"mgr", "mon"}, h.Labels)

	created, err = r.AddHost(types.Host{Hostname: "h1"})
	require.NoError(t, err)
	assert.False(t, created)
	h, _ = r.Get("h1")
	assert.Equal(t, "10.0.0.1", h.Addr, "empty addr does not clobber")
}

func TestAddHostDefaultsAddr(t *testing.T) {
	r := NewRegistry(storage.NewMemoryStore())
	_, err := r.AddHost(types.Host{Hostname: "h1"})
	require.NoError(t, err)

	h, _ := r.Get("h1")
	assert.Equal(t, "h1", h.Addr)

	_, err = r.AddHost(types.Host{})
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestRemoveHost(t *testing.T) {
	store := storage.NewMemoryStore()
	r := NewRegistry(store)
	_, err := r.AddHost(types.Host{Hostname: "h1"})
	require.NoError(t, err)

	require.NoError(t, r.RemoveHost("h1"))
	assert.False(t, r.Contains("h1"))
	_, err = store.Get("host.h1")
	assert.True(t, storage.IsNotFound(err))

	err = r.RemoveHost("h1")
	var nf *types.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

// TestLabels tests that label operations are idempotent set operations
func TestLabels(t *testing.T) {
	r := NewRegistry(storage.NewMemoryStore())
	_, err := r.AddHost(types.Host{Hostname: "h1"})
	require.NoError(t, err)

	require.NoError(t, r.AddLabel("h1", "mon"))
	require.NoError(t, r.AddLabel("h1", "mon"))
	require.NoError(t, r.AddLabel("h1", "_admin"))
	h, _ := r.Get("h1")
	assert.Equal(t, []string{"_admin", "mon"}, h.Labels)

	require.NoError(t, r.RemoveLabel("h1", "mon"))
	require.NoError(t, r.RemoveLabel("h1", "mon"))
	h, _ = r.Get("h1")
	assert.Equal(t, []string{"_admin"}, h.Labels)

	assert.Len(t, r.HostsWithLabel("_admin"), 1)
	assert.True(t, errdefs.IsNotFound(r.AddLabel("nope", "mon")))
	assert.True(t, errdefs.IsInvalidArgument(r.AddLabel("h1", " ")))
}

func TestLoadRoundTrip(t *testing.T) {
	store := storage.NewMemoryStore()
	r := NewRegistry(store)
	_, err := r.AddHost(types.Host{Hostname: "h2", Labels: []string{"osd"}})
	require.NoError(t, err)
	_, err = r.AddHost(types.Host{Hostname: "h1"})
	require.NoError(t, err)
	require.NoError(t, r.SetStatus("h2", types.HostStatusMaintenance))
	require.NoError(t, store.Set("host.junk", []byte("not json")))

	loaded := NewRegistry(store)
	require.NoError(t, loaded.Load())
	assert.Equal(t, []string{"h1", "h2"}, loaded.Hostnames())

	h, err := loaded.Get("h2")
	require.NoError(t, err)
	assert.Equal(t, types.HostStatusMaintenance, h.Status)
	assert.Equal(t, []string{"osd"}, h.Labels)
	assert.Len(t, loaded.HostsWithStatus(types.HostStatusMaintenance), 1)
}

func TestGetReturnsCopy(t *testing.T) {
	r := NewRegistry(storage.NewMemoryStore())
	_, err := r.AddHost(types.Host{Hostname: "h1", Labels: []string{"mon"}})
	require.NoError(t, err)

	h, _ := r.Get("h1")
	h.Labels[0] = "changed"

	again, _ := r.Get("h1")
	assert.Equal(t, []string{"mon"}, again.Labels)
}
