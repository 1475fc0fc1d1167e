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
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContext(t *testing.T) {
	single := Single()
	assert.False(t, single.IsDistributed())
	assert.True(t, single.IsCoordinator())
	_, ok := single.WorldSize()
	assert.False(t, ok, "single-process run must report world size as absent, not zero")
	_, ok = single.Rank()
	assert.False(t, ok)
	assert.Equal(t, 1, single.NumDevices())

	dctx := must.M1(New(4, 1))
	assert.True(t, dctx.IsDistributed())
	assert.False(t, dctx.IsCoordinator())
	worldSize, ok := dctx.WorldSize()
	require.True(t, ok)
	assert.Equal(t, 4, worldSize)
	rank, ok := dctx.Rank()
	require.True(t, ok)
	assert.Equal(t, 1, rank)

	coordinator := must.M1(New(4, 0))
	assert.True(t, coordinator.IsCoordinator())

	_, err := New(0, 0)
	assert.Error(t, err)
	_, err = New(2, 2)
	assert.Error(t, err, "rank must be < world size")
	_, err = New(2, -1)
	assert.Error(t, err)
}

func TestFromEnv(t *testing.T) {
	t.Setenv(EnvWorldSize, "2")
	t.Setenv(EnvRank, "1")
	t.Setenv(EnvCoordinatorAddr, "localhost:0")
	dctx := must.M1(FromEnv())
	assert.True(t, dctx.IsDistributed())
	assert.Equal(t, "localhost:0", dctx.CoordinatorAddr())

	t.Setenv(EnvCoordinatorAddr, "")
	_, err := FromEnv()
	assert.Error(t, err, "multi-worker run without a coordinator address must fail")

	t.Setenv(EnvRank, "")
	_, err = FromEnv()
	assert.Error(t, err)
}

func TestLocalReducer(t *testing.T) {
	r := Local()
	sum := must.M1(r.AllReduceSum(context.Background(), 7.5))
	assert.Equal(t, 7.5, sum)
	require.NoError(t, r.Close())
}

// TestTCPReducer runs a 2-worker reduction in-process: a dataset of 10 samples
// split 5/5 must reduce to 10 on both workers.
func TestTCPReducer(t *testing.T) {
	const worldSize = 2
	addr := fmt.Sprintf("localhost:%d", freePort(t))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sums := make([]float64, worldSize)
	var wg sync.WaitGroup
	errs := make([]error, worldSize)
	for rank := 0; rank < worldSize; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			dctx, err := New(worldSize, rank)
			if err != nil {
				errs[rank] = err
				return
			}
			reducer, err := NewTCPReducer(ctx, dctx, addr)
			if err != nil {
				errs[rank] = err
				return
			}
			defer func() { _ = reducer.Close() }()
			sums[rank], errs[rank] = reducer.AllReduceSum(ctx, 5)
		}(rank)
	}
	wg.Wait()
	for rank, err := range errs {
		require.NoErrorf(t, err, "rank %d", rank)
	}
	for rank, sum := range sums {
		assert.Equalf(t, 10.0, sum, "rank %d must observe the global sample count", rank)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	listener := must.M1(net.Listen("tcp", "localhost:0"))
	defer func() { _ = listener.Close() }()
	return listener.Addr().(*net.TCPAddr).Port
}
