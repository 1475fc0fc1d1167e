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

// Package distributed establishes the data-parallel execution context of a
// training job: the number of worker processes, this worker's rank, and a
// minimal cross-worker reduction primitive used to reconcile per-shard counts.
//
// When distribution is disabled, world size and rank are absent -- not zero --
// so downstream components can distinguish "single process" from "rank 0 of
// many". All coordinator-only actions (logging, checkpoint writes, best-model
// bookkeeping) should be gated by the single Context.IsCoordinator predicate.
package distributed

import (
	"os"
	"strconv"

	"github.com/pkg/errors"
)

// Environment variables used for worker discovery, set by the job launcher for
// every worker process.
const (
	EnvRank            = "PRETRAIN_RANK"
	EnvWorldSize       = "PRETRAIN_WORLD_SIZE"
	EnvCoordinatorAddr = "PRETRAIN_COORDINATOR_ADDR"
)

// Context describes this process' position in a data-parallel run: every
// worker holds a full model replica and gradients are averaged across workers.
//
// The zero value is a valid single-process context.
type Context struct {
	enabled         bool
	worldSize, rank int
	coordinatorAddr string
}

// Single returns a Context for a non-distributed, single-process run.
func Single() *Context {
	return &Context{}
}

// New creates a distributed Context with an explicit world size and rank.
func New(worldSize, rank int) (*Context, error) {
	if worldSize < 1 {
		return nil, errors.Errorf("distributed world size must be >= 1, got %d", worldSize)
	}
	if rank < 0 || rank >= worldSize {
		return nil, errors.Errorf("rank %d out of range for world size %d", rank, worldSize)
	}
	return &Context{enabled: true, worldSize: worldSize, rank: rank}, nil
}

// FromEnv discovers the world view from the launcher-provided environment
// variables EnvRank, EnvWorldSize and EnvCoordinatorAddr.
//
// It fails if the environment is incomplete or inconsistent: the process
// cannot proceed without a consistent world view.
func FromEnv() (*Context, error) {
	worldStr, rankStr := os.Getenv(EnvWorldSize), os.Getenv(EnvRank)
	if worldStr == "" || rankStr == "" {
		return nil, errors.Errorf("distributed mode requested but %s=%q, %s=%q: both must be set by the launcher",
			EnvWorldSize, worldStr, EnvRank, rankStr)
	}
	worldSize, err := strconv.Atoi(worldStr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s=%q", EnvWorldSize, worldStr)
	}
	rank, err := strconv.Atoi(rankStr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s=%q", EnvRank, rankStr)
	}
	dctx, err := New(worldSize, rank)
	if err != nil {
		return nil, err
	}
	dctx.coordinatorAddr = os.Getenv(EnvCoordinatorAddr)
	if worldSize > 1 && dctx.coordinatorAddr == "" {
		return nil, errors.Errorf("distributed mode with %d workers requires %s to be set", worldSize, EnvCoordinatorAddr)
	}
	return dctx, nil
}

// IsDistributed reports whether more than one worker participates in the run.
func (c *Context) IsDistributed() bool {
	return c != nil && c.enabled
}

// WorldSize returns the number of worker processes, and whether distribution
// is enabled. For a single-process run it returns (0, false).
func (c *Context) WorldSize() (int, bool) {
	if !c.IsDistributed() {
		return 0, false
	}
	return c.worldSize, true
}

// Rank returns this worker's rank in [0, worldSize), and whether distribution
// is enabled. For a single-process run it returns (0, false).
func (c *Context) Rank() (int, bool) {
	if !c.IsDistributed() {
		return 0, false
	}
	return c.rank, true
}

// IsCoordinator reports whether this process is the coordinating rank: rank 0
// of a distributed run, or the sole process of a non-distributed one.
//
// All logging and persistent-state mutation must be gated by this predicate,
// so a multi-worker run emits one copy of everything and never races on the
// checkpoint directory.
func (c *Context) IsCoordinator() bool {
	return !c.IsDistributed() || c.rank == 0
}

// CoordinatorAddr returns the address workers use to reach the coordinator's
// reduction endpoint. Empty for single-process runs.
func (c *Context) CoordinatorAddr() string {
	if c == nil {
		return ""
	}
	return c.coordinatorAddr
}

// NumDevices returns the effective number of workers: 1 for a single-process
// run. Useful for logging.
func (c *Context) NumDevices() int {
	if !c.IsDistributed() {
		return 1
	}
	return c.worldSize
}
