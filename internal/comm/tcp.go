package comm

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const dialRetryInterval = 250 * time.Millisecond

// frame is one msgpack message on a group connection.
type frame struct {
	Kind   string    `msgpack:"kind"`
	Rank   int       `msgpack:"rank"`
	Bytes  []byte    `msgpack:"bytes,omitempty"`
	Floats []float64 `msgpack:"floats,omitempty"`
}

const (
	frameHello     = "hello"
	frameBroadcast = "broadcast"
	frameReduce    = "reduce"
	frameBarrier   = "barrier"
	frameResult    = "result"
)

type peerConn struct {
	conn net.Conn
	enc  *msgpack.Encoder
	dec  *msgpack.Decoder
}

func newPeerConn(conn net.Conn) *peerConn {
	return &peerConn{conn: conn, enc: msgpack.NewEncoder(conn), dec: msgpack.NewDecoder(conn)}
}

func (p *peerConn) send(f *frame) error { return p.enc.Encode(f) }

func (p *peerConn) recv() (*frame, error) {
	var f frame
	if err := p.dec.Decode(&f); err != nil {
		return nil, err
	}
	return &f, nil
}

// TCPGroup is the multi-process backend. Rank 0 listens and relays;
// other ranks hold one connection to rank 0.
type TCPGroup struct {
	rank      int
	worldSize int

	listener net.Listener
	peers    map[int]*peerConn // rank 0 only, keyed by peer rank
	master   *peerConn         // non-zero ranks only
}

// Connect establishes the process group described by info. Rank 0
// listens on info's master port and waits for every peer; other ranks
// dial with retry until the master is up or ctx expires.
func Connect(ctx context.Context, info ProcInfo) (Backend, error) {
	if info.WorldSize <= 1 {
		return NewLocal(), nil
	}
	if info.Rank == 0 {
		ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", info.MasterAddr, info.MasterPort))
		if err != nil {
			return nil, fmt.Errorf("rank 0 failed to listen for the process group: %w", err)
		}
		return NewMaster(ln, info.WorldSize)
	}
	return NewPeer(ctx, info.Rank, info.WorldSize, fmt.Sprintf("%s:%d", info.MasterAddr, info.MasterPort))
}

// NewMaster accepts worldSize-1 peer connections on ln and returns the
// rank-0 backend. It takes ownership of ln.
func NewMaster(ln net.Listener, worldSize int) (*TCPGroup, error) {
	g := &TCPGroup{
		rank:      0,
		worldSize: worldSize,
		listener:  ln,
		peers:     make(map[int]*peerConn, worldSize-1),
	}
	for len(g.peers) < worldSize-1 {
		conn, err := ln.Accept()
		if err != nil {
			g.Close()
			return nil, fmt.Errorf("failed to accept process-group peer: %w", err)
		}
		pc := newPeerConn(conn)
		hello, err := pc.recv()
		if err != nil || hello.Kind != frameHello {
			conn.Close()
			g.Close()
			return nil, fmt.Errorf("process-group peer sent no hello: %v", err)
		}
		if hello.Rank <= 0 || hello.Rank >= worldSize {
			conn.Close()
			g.Close()
			return nil, fmt.Errorf("process-group peer announced invalid rank %d for world size %d", hello.Rank, worldSize)
		}
		if _, dup := g.peers[hello.Rank]; dup {
			conn.Close()
			g.Close()
			return nil, fmt.Errorf("process-group rank %d connected twice", hello.Rank)
		}
		g.peers[hello.Rank] = pc
	}
	return g, nil
}

// NewPeer dials the rank-0 endpoint, retrying until ctx expires, and
// announces its rank.
func NewPeer(ctx context.Context, rank, worldSize int, masterAddr string) (*TCPGroup, error) {
	var conn net.Conn
	var err error
	dialer := &net.Dialer{}
	for {
		conn, err = dialer.DialContext(ctx, "tcp", masterAddr)
		if err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("rank %d could not reach the process group at %s: %w", rank, masterAddr, err)
		case <-time.After(dialRetryInterval):
		}
	}
	pc := newPeerConn(conn)
	if err := pc.send(&frame{Kind: frameHello, Rank: rank}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("rank %d failed to join the process group: %w", rank, err)
	}
	return &TCPGroup{rank: rank, worldSize: worldSize, master: pc}, nil
}

func (g *TCPGroup) Rank() int      { return g.rank }
func (g *TCPGroup) WorldSize() int { return g.worldSize }

// Broadcast implements Backend. Rank 0 gathers the root payload (its
// own, or relayed from the root's connection) and fans it out.
func (g *TCPGroup) Broadcast(root int, data []byte) ([]byte, error) {
	if root < 0 || root >= g.worldSize {
		return nil, fmt.Errorf("broadcast root %d out of range for world size %d", root, g.worldSize)
	}
	if g.rank == 0 {
		payload := data
		if root != 0 {
			f, err := g.peers[root].recv()
			if err != nil {
				return nil, fmt.Errorf("broadcast relay from rank %d failed: %w", root, err)
			}
			payload = f.Bytes
		}
		for rank, pc := range g.peers {
			if err := pc.send(&frame{Kind: frameResult, Bytes: payload}); err != nil {
				return nil, fmt.Errorf("broadcast to rank %d failed: %w", rank, err)
			}
		}
		return payload, nil
	}

	if g.rank == root {
		if err := g.master.send(&frame{Kind: frameBroadcast, Rank: g.rank, Bytes: data}); err != nil {
			return nil, fmt.Errorf("broadcast send failed on rank %d: %w", g.rank, err)
		}
	}
	f, err := g.master.recv()
	if err != nil {
		return nil, fmt.Errorf("broadcast receive failed on rank %d: %w", g.rank, err)
	}
	return f.Bytes, nil
}

// AllReduceFloat implements Backend. Rank 0 reduces contributions from
// every rank and distributes the result.
func (g *TCPGroup) AllReduceFloat(op Op, values []float64) error {
	if g.rank != 0 {
		if err := g.master.send(&frame{Kind: frameReduce, Rank: g.rank, Floats: values}); err != nil {
			return fmt.Errorf("reduce send failed on rank %d: %w", g.rank, err)
		}
		f, err := g.master.recv()
		if err != nil {
			return fmt.Errorf("reduce receive failed on rank %d: %w", g.rank, err)
		}
		copy(values, f.Floats)
		return nil
	}

	acc := make([]float64, len(values))
	copy(acc, values)
	for rank, pc := range g.peers {
		f, err := pc.recv()
		if err != nil {
			return fmt.Errorf("reduce gather from rank %d failed: %w", rank, err)
		}
		if len(f.Floats) != len(acc) {
			return fmt.Errorf("reduce length mismatch: rank %d sent %d values, want %d", rank, len(f.Floats), len(acc))
		}
		if err := reduceInto(op, acc, f.Floats); err != nil {
			return err
		}
	}
	if op == OpMean {
		for i := range acc {
			acc[i] /= float64(g.worldSize)
		}
	}
	for rank, pc := range g.peers {
		if err := pc.send(&frame{Kind: frameResult, Floats: acc}); err != nil {
			return fmt.Errorf("reduce scatter to rank %d failed: %w", rank, err)
		}
	}
	copy(values, acc)
	return nil
}

func reduceInto(op Op, acc, in []float64) error {
	switch op {
	case OpSum, OpMean:
		for i := range acc {
			acc[i] += in[i]
		}
	case OpMax:
		for i := range acc {
			if in[i] > acc[i] {
				acc[i] = in[i]
			}
		}
	case OpMin:
		for i := range acc {
			if in[i] < acc[i] {
				acc[i] = in[i]
			}
		}
	default:
		return fmt.Errorf("unknown reduce op %q", op)
	}
	return nil
}

// Barrier implements Backend.
func (g *TCPGroup) Barrier() error {
	if g.rank != 0 {
		if err := g.master.send(&frame{Kind: frameBarrier, Rank: g.rank}); err != nil {
			return fmt.Errorf("barrier send failed on rank %d: %w", g.rank, err)
		}
		if _, err := g.master.recv(); err != nil {
			return fmt.Errorf("barrier release failed on rank %d: %w", g.rank, err)
		}
		return nil
	}
	for rank, pc := range g.peers {
		if _, err := pc.recv(); err != nil {
			return fmt.Errorf("barrier wait for rank %d failed: %w", rank, err)
		}
	}
	for rank, pc := range g.peers {
		if err := pc.send(&frame{Kind: frameResult}); err != nil {
			return fmt.Errorf("barrier release to rank %d failed: %w", rank, err)
		}
	}
	return nil
}

// Close implements Backend.
func (g *TCPGroup) Close() error {
	var first error
	if g.master != nil {
		first = g.master.conn.Close()
	}
	for _, pc := range g.peers {
		if err := pc.conn.Close(); err != nil && first == nil {
			first = err
		}
	}
	if g.listener != nil {
		if err := g.listener.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
