/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package distributed

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"net"
	"time"

	"github.com/pkg/errors"
)

// Reducer sums a scalar across all workers of a run. AllReduceSum blocks
// until every worker has contributed its value, and every worker observes the
// same total.
//
// If any worker fails to reach the reduction point the call blocks until the
// ctx deadline: the reducer cannot recover from a crashed peer, it can only
// bound the wait. Job supervision must treat a deadline here as fatal.
type Reducer interface {
	// AllReduceSum contributes value and returns the sum over all workers.
	AllReduceSum(ctx context.Context, value float64) (float64, error)

	// Close releases the connections held by the reducer.
	Close() error
}

// Local returns the identity Reducer used for single-process runs.
func Local() Reducer { return localReducer{} }

type localReducer struct{}

func (localReducer) AllReduceSum(_ context.Context, value float64) (float64, error) {
	return value, nil
}

func (localReducer) Close() error { return nil }

// NewReducer returns the Reducer appropriate for the given Context: the
// identity reducer for single-process runs, otherwise a TCP reducer rooted at
// the coordinator address.
func NewReducer(ctx context.Context, dctx *Context) (Reducer, error) {
	if !dctx.IsDistributed() || dctx.NumDevices() == 1 {
		return Local(), nil
	}
	return NewTCPReducer(ctx, dctx, dctx.CoordinatorAddr())
}

// tcpReducer implements Reducer over a star topology: the coordinator listens
// on addr and accepts one connection per non-coordinator worker; each round it
// reads one contribution from every peer, adds its own, and writes the total
// back to all of them.
type tcpReducer struct {
	isCoordinator bool

	// Coordinator side: one connection per peer worker.
	listener net.Listener
	peers    []net.Conn

	// Worker side: the single connection to the coordinator.
	conn net.Conn
}

// NewTCPReducer establishes the reduction topology for a distributed run.
//
// On the coordinator it listens on addr and blocks until all worldSize-1
// peers have connected; on every other rank it dials addr, retrying until the
// coordinator is up or ctx expires. The connections persist across reduction
// rounds, so every rank must issue the same sequence of AllReduceSum calls.
func NewTCPReducer(ctx context.Context, dctx *Context, addr string) (Reducer, error) {
	worldSize, ok := dctx.WorldSize()
	if !ok {
		return nil, errors.Errorf("NewTCPReducer requires a distributed context")
	}
	if dctx.IsCoordinator() {
		var lc net.ListenConfig
		listener, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			return nil, errors.Wrapf(err, "coordinator failed to listen on %q", addr)
		}
		r := &tcpReducer{isCoordinator: true, listener: listener}
		for len(r.peers) < worldSize-1 {
			conn, err := acceptWithContext(ctx, listener)
			if err != nil {
				_ = r.Close()
				return nil, errors.Wrapf(err, "coordinator accepted %d of %d peers", len(r.peers), worldSize-1)
			}
			r.peers = append(r.peers, conn)
		}
		return r, nil
	}

	// Worker: the coordinator may not be listening yet, retry until ctx expires.
	var dialer net.Dialer
	for {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			return &tcpReducer{conn: conn}, nil
		}
		select {
		case <-ctx.Done():
			return nil, errors.Wrapf(err, "worker failed to reach coordinator at %q", addr)
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func acceptWithContext(ctx context.Context, listener net.Listener) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := listener.Accept()
		ch <- result{conn, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.conn, res.err
	}
}

// AllReduceSum implements Reducer.
func (r *tcpReducer) AllReduceSum(ctx context.Context, value float64) (float64, error) {
	deadline, hasDeadline := ctx.Deadline()
	setDeadline := func(conn net.Conn) {
		if hasDeadline {
			_ = conn.SetDeadline(deadline)
		} else {
			_ = conn.SetDeadline(time.Time{})
		}
	}

	if r.isCoordinator {
		sum := value
		for ii, peer := range r.peers {
			setDeadline(peer)
			contribution, err := readFloat64(peer)
			if err != nil {
				return 0, errors.Wrapf(err, "coordinator failed to read contribution from peer #%d", ii)
			}
			sum += contribution
		}
		for ii, peer := range r.peers {
			if err := writeFloat64(peer, sum); err != nil {
				return 0, errors.Wrapf(err, "coordinator failed to send total to peer #%d", ii)
			}
		}
		return sum, nil
	}

	setDeadline(r.conn)
	if err := writeFloat64(r.conn, value); err != nil {
		return 0, errors.Wrap(err, "worker failed to send contribution to coordinator")
	}
	sum, err := readFloat64(r.conn)
	if err != nil {
		return 0, errors.Wrap(err, "worker failed to read total from coordinator")
	}
	return sum, nil
}

// Close implements Reducer.
func (r *tcpReducer) Close() error {
	var firstErr error
	closeAll := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if r.conn != nil {
		closeAll(r.conn.Close())
	}
	for _, peer := range r.peers {
		closeAll(peer.Close())
	}
	if r.listener != nil {
		closeAll(r.listener.Close())
	}
	return firstErr
}

func writeFloat64(w io.Writer, value float64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], math.Float64bits(value))
	_, err := w.Write(buf[:])
	return err
}

func readFloat64(r io.Reader) (float64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(buf[:])), nil
}
