package comm

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestLocalBackend(t *testing.T) {
	b := NewLocal()
	assert.Equal(t, 0, b.Rank())
	assert.Equal(t, 1, b.WorldSize())

	out, err := b.Broadcast(0, []byte("weights"))
	require.NoError(t, err)
	assert.Equal(t, []byte("weights"), out)

	_, err = b.Broadcast(1, nil)
	require.Error(t, err)

	vals := []float64{1, 2}
	require.NoError(t, b.AllReduceFloat(OpMean, vals))
	assert.Equal(t, []float64{1, 2}, vals)

	require.NoError(t, b.Barrier())
	require.NoError(t, b.Close())
}

func TestInfoFromEnv(t *testing.T) {
	t.Run("none", func(t *testing.T) {
		info, err := InfoFromEnv(LauncherNone)
		require.NoError(t, err)
		assert.Equal(t, 1, info.WorldSize)
	})

	t.Run("pytorch", func(t *testing.T) {
		t.Setenv("RANK", "2")
		t.Setenv("WORLD_SIZE", "4")
		t.Setenv("LOCAL_RANK", "1")
		t.Setenv("MASTER_ADDR", "10.0.0.1")
		t.Setenv("MASTER_PORT", "12345")
		info, err := InfoFromEnv(LauncherPyTorch)
		require.NoError(t, err)
		assert.Equal(t, ProcInfo{Rank: 2, WorldSize: 4, LocalRank: 1, MasterAddr: "10.0.0.1", MasterPort: 12345}, info)
	})

	t.Run("mpi", func(t *testing.T) {
		t.Setenv("OMPI_COMM_WORLD_RANK", "1")
		t.Setenv("OMPI_COMM_WORLD_SIZE", "2")
		info, err := InfoFromEnv(LauncherMPI)
		require.NoError(t, err)
		assert.Equal(t, 1, info.Rank)
		assert.Equal(t, 2, info.WorldSize)
		assert.Equal(t, defaultMasterPort, info.MasterPort)
	})

	t.Run("slurm", func(t *testing.T) {
		t.Setenv("SLURM_PROCID", "0")
		t.Setenv("SLURM_NTASKS", "3")
		t.Setenv("SLURM_LOCALID", "0")
		info, err := InfoFromEnv(LauncherSlurm)
		require.NoError(t, err)
		assert.Equal(t, 3, info.WorldSize)
	})

	t.Run("missing env", func(t *testing.T) {
		_, err := InfoFromEnv(LauncherPyTorch)
		require.Error(t, err)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := InfoFromEnv("k8s")
		require.Error(t, err)
	})
}

// startGroup spins up an in-process group of the given size over
// loopback and returns one backend per rank.
func startGroup(t *testing.T, worldSize int) []Backend {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	backends := make([]Backend, worldSize)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var g errgroup.Group
	g.Go(func() error {
		b, err := NewMaster(ln, worldSize)
		backends[0] = b
		return err
	})
	for rank := 1; rank < worldSize; rank++ {
		rank := rank
		g.Go(func() error {
			b, err := NewPeer(ctx, rank, worldSize, addr)
			backends[rank] = b
			return err
		})
	}
	require.NoError(t, g.Wait())
	t.Cleanup(func() {
		for _, b := range backends {
			b.Close()
		}
	})
	return backends
}

func TestTCPGroupBroadcast(t *testing.T) {
	backends := startGroup(t, 3)

	results := make([][]byte, 3)
	var g errgroup.Group
	for rank, b := range backends {
		rank, b := rank, b
		g.Go(func() error {
			var payload []byte
			if rank == 0 {
				payload = []byte("from-zero")
			}
			out, err := b.Broadcast(0, payload)
			results[rank] = out
			return err
		})
	}
	require.NoError(t, g.Wait())
	for rank := 0; rank < 3; rank++ {
		assert.Equal(t, []byte("from-zero"), results[rank], "rank %d", rank)
	}
}

func TestTCPGroupBroadcastNonZeroRoot(t *testing.T) {
	backends := startGroup(t, 3)

	results := make([][]byte, 3)
	var g errgroup.Group
	for rank, b := range backends {
		rank, b := rank, b
		g.Go(func() error {
			var payload []byte
			if rank == 2 {
				payload = []byte("from-two")
			}
			out, err := b.Broadcast(2, payload)
			results[rank] = out
			return err
		})
	}
	require.NoError(t, g.Wait())
	for rank := 0; rank < 3; rank++ {
		assert.Equal(t, []byte("from-two"), results[rank], "rank %d", rank)
	}
}

func TestTCPGroupAllReduce(t *testing.T) {
	backends := startGroup(t, 3)

	cases := []struct {
		op   Op
		want []float64
	}{
		{OpSum, []float64{3, 6}},
		{OpMean, []float64{1, 2}},
		{OpMax, []float64{2, 4}},
		{OpMin, []float64{0, 0}},
	}
	for _, tc := range cases {
		t.Run(string(tc.op), func(t *testing.T) {
			results := make([][]float64, 3)
			var g errgroup.Group
			for rank, b := range backends {
				rank, b := rank, b
				g.Go(func() error {
					// rank r contributes [r, 2r].
					vals := []float64{float64(rank), float64(2 * rank)}
					err := b.AllReduceFloat(tc.op, vals)
					results[rank] = vals
					return err
				})
			}
			require.NoError(t, g.Wait())
			for rank := 0; rank < 3; rank++ {
				assert.Equal(t, tc.want, results[rank], "rank %d", rank)
			}
		})
	}
}

func TestTCPGroupBarrier(t *testing.T) {
	backends := startGroup(t, 2)

	var g errgroup.Group
	for _, b := range backends {
		b := b
		g.Go(func() error { return b.Barrier() })
	}
	require.NoError(t, g.Wait())
}

func TestConnectSingleProcessIsLocal(t *testing.T) {
	b, err := Connect(context.Background(), ProcInfo{WorldSize: 1})
	require.NoError(t, err)
	_, ok := b.(*Local)
	assert.True(t, ok)
}
