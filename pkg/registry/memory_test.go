package registry

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeMacID(t *testing.T) {
	testCases := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "plain", in: "AA:BB:CC", want: "AA:BB:CC"},
		{name: "trimmed", in: "  AA  ", want: "AA"},
		{name: "empty", in: "", wantErr: true},
		{name: "whitespace", in: "   ", wantErr: true},
		{name: "slash", in: "AA/BB", wantErr: true},
		{name: "plus", in: "AA+", wantErr: true},
		{name: "hash", in: "#", wantErr: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeMacID(tc.in)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidMacID)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNodeIDFor(t *testing.T) {
	assert.Equal(t, "gateway1/node/AA", NodeIDFor("gateway1/node", "AA"))
	assert.Equal(t, "gateway1/node/AA", NodeIDFor("gateway1/node/", "AA"))
}

func TestMemoryRegistry_RegisterIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry("gateway1/node")

	first, err := r.Register(ctx, "AA")
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.Equal(t, "gateway1/node/AA", first.NodeID)

	second, err := r.Register(ctx, "AA")
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.NodeID, second.NodeID)

	nodes, err := r.List(ctx)
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
}

func TestMemoryRegistry_ListPreservesInsertionOrder(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry("gw")
	for _, mac := range []string{"C", "A", "B"} {
		_, err := r.Register(ctx, mac)
		require.NoError(t, err)
	}

	nodes, err := r.List(ctx)
	require.NoError(t, err)
	var macs []string
	for _, n := range nodes {
		macs = append(macs, n.MacID)
	}
	assert.Equal(t, []string{"C", "A", "B"}, macs)
}

func TestMemoryRegistry_Deregister(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry("gw")
	_, err := r.Register(ctx, "AA")
	require.NoError(t, err)
	_, err = r.Register(ctx, "BB")
	require.NoError(t, err)

	res, err := r.Deregister(ctx, "AA")
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.Equal(t, "gw/AA", res.NodeID)

	res, err = r.Deregister(ctx, "AA")
	require.NoError(t, err)
	assert.False(t, res.Found, "second deregister finds nothing")

	_, err = r.Lookup(ctx, "gw/AA")
	assert.ErrorIs(t, err, ErrNodeNotFound)

	entry, err := r.Lookup(ctx, "gw/BB")
	require.NoError(t, err)
	assert.Equal(t, "BB", entry.MacID)

	nodes, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "BB", nodes[0].MacID)
}

func TestMemoryRegistry_RejectsInvalidMacID(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry("gw")

	_, err := r.Register(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidMacID)
	_, err = r.Deregister(ctx, "a/b")
	assert.ErrorIs(t, err, ErrInvalidMacID)
}

func TestMemoryRegistry_ConcurrentRegisterCreatesOnce(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry("gw")

	const workers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.Register(ctx, "AA")
			assert.NoError(t, err)
			if res.Created {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, created)
}
