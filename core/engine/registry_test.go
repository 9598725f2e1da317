package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRegistry(t *testing.T, sitesPerHost int) *Registry {
	t.Helper()
	r, err := NewRegistry(sitesPerHost, zap.NewNop())
	require.NoError(t, err)
	return r
}

func TestNewRegistryRejectsZeroSites(t *testing.T) {
	_, err := NewRegistry(0, zap.NewNop())
	require.Error(t, err)
	_, err = NewRegistry(-1, zap.NewNop())
	require.Error(t, err)
}

func TestRegisterOncePerPartition(t *testing.T) {
	r := newTestRegistry(t, 2)

	require.NoError(t, r.Register(NewLocals(0)))
	require.False(t, r.Complete())
	require.Equal(t, 1, r.RegisteredCount())

	err := r.Register(NewLocals(0))
	require.Error(t, err, "double registration for the same partition id must fail")

	require.NoError(t, r.Register(NewLocals(1)))
	require.True(t, r.Complete())

	err = r.Register(NewLocals(2))
	require.Error(t, err, "registering beyond sitesPerHost must fail")
}

func TestAllIsOrderedByPartitionID(t *testing.T) {
	r := newTestRegistry(t, 4)

	// Register out of order; fan-out order must still be deterministic.
	for _, id := range []PartitionID{3, 0, 2, 1} {
		require.NoError(t, r.Register(NewLocals(id)))
	}

	all := r.All()
	require.Len(t, all, 4)
	for i, locals := range all {
		require.Equal(t, PartitionID(i), locals.PartitionID)
		require.NotNil(t, locals.Undo)
	}
	require.Equal(t, PartitionID(0), r.LowestSite())
}

func TestGetReturnsRegisteredLocals(t *testing.T) {
	r := newTestRegistry(t, 2)
	locals := NewLocals(7)
	require.NoError(t, r.Register(locals))

	require.Same(t, locals, r.Get(7))
	require.Nil(t, r.Get(3))
}

func TestSiteCountIsTheConfiguredFanIn(t *testing.T) {
	r := newTestRegistry(t, 3)
	require.Equal(t, 3, r.SiteCount())
	// SiteCount is fixed at construction, independent of registrations.
	require.NoError(t, r.Register(NewLocals(0)))
	require.Equal(t, 3, r.SiteCount())
}

func TestTeardownClearsTheMapping(t *testing.T) {
	r := newTestRegistry(t, 2)
	require.NoError(t, r.Register(NewLocals(0)))
	require.NoError(t, r.Register(NewLocals(1)))

	r.Teardown()
	require.Equal(t, 0, r.RegisteredCount())
	require.Empty(t, r.All())
	require.Nil(t, r.Get(0))
}
