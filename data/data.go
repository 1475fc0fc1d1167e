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

// Package data implements the sharded sample source consumed by the training
// loop: an in-memory dataset that can be deterministically partitioned into
// disjoint per-worker shards and batched.
//
// The orchestration core only consumes the reported sizes -- it never
// reimplements sharding logic. Shards are truncated to equal length so every
// rank sees the same number of batches per epoch; divergence here would
// desynchronize the collective calls across workers and hang the job.
package data

import (
	"io"
	"math/rand"

	"github.com/gomlx/pretrain/distributed"
	"github.com/pkg/errors"
)

// Sample is one training example: a flat input vector and its label vector.
type Sample struct {
	Inputs, Labels []float64
}

// InMemoryDataset implements train.Dataset over a fixed slice of samples.
// It yields batches of the configured size, optionally reshuffling at every
// Reset with a deterministic per-epoch seed.
type InMemoryDataset struct {
	name      string
	samples   []Sample
	batchSize int

	shuffleSeed int64
	shuffle     bool
	epoch       int

	order []int
	next  int
}

// NewInMemoryDataset creates a dataset over the given samples. The batchSize
// must be >= 1; the remainder that does not fill a full batch is dropped, so
// every epoch yields exactly NumBatches batches.
func NewInMemoryDataset(name string, samples []Sample, batchSize int) (*InMemoryDataset, error) {
	if batchSize < 1 {
		return nil, errors.Errorf("dataset %q: batch size must be >= 1, got %d", name, batchSize)
	}
	if len(samples) < batchSize {
		return nil, errors.Errorf("dataset %q: %d samples cannot fill one batch of size %d", name, len(samples), batchSize)
	}
	ds := &InMemoryDataset{
		name:      name,
		samples:   samples,
		batchSize: batchSize,
	}
	ds.resetOrder()
	return ds, nil
}

// WithShuffle enables per-epoch shuffling with a deterministic seed: the same
// seed and shard always produce the same sample order, a requirement for
// resumable runs.
func (ds *InMemoryDataset) WithShuffle(seed int64) *InMemoryDataset {
	ds.shuffle = true
	ds.shuffleSeed = seed
	ds.resetOrder()
	return ds
}

// Shard returns a new dataset holding this worker's disjoint slice of the
// samples. Shards are strided by rank and truncated to equal length, so every
// worker reports the same NumBatches.
func (ds *InMemoryDataset) Shard(dctx *distributed.Context) (*InMemoryDataset, error) {
	worldSize, ok := dctx.WorldSize()
	if !ok {
		return ds, nil
	}
	rank, _ := dctx.Rank()
	perShard := len(ds.samples) / worldSize
	if perShard < ds.batchSize {
		return nil, errors.Errorf("dataset %q: shard of %d samples (of %d over %d workers) cannot fill one batch of size %d",
			ds.name, perShard, len(ds.samples), worldSize, ds.batchSize)
	}
	shard := make([]Sample, 0, perShard)
	for ii := rank; len(shard) < perShard; ii += worldSize {
		shard = append(shard, ds.samples[ii])
	}
	sharded, err := NewInMemoryDataset(ds.name, shard, ds.batchSize)
	if err != nil {
		return nil, err
	}
	if ds.shuffle {
		sharded.WithShuffle(ds.shuffleSeed)
	}
	return sharded, nil
}

// Name implements train.Dataset.
func (ds *InMemoryDataset) Name() string { return ds.name }

// NumSamples reports the local (per-shard) sample count. The true global
// count of a distributed run is obtained by all-reducing this value.
func (ds *InMemoryDataset) NumSamples() int { return len(ds.samples) }

// NumBatches reports the number of batches yielded per epoch.
func (ds *InMemoryDataset) NumBatches() int { return len(ds.samples) / ds.batchSize }

// Yield implements train.Dataset: it returns the next batch as parallel
// slices of input and label vectors, or io.EOF at the end of the epoch.
func (ds *InMemoryDataset) Yield() (spec any, inputs, labels [][]float64, err error) {
	if ds.next+ds.batchSize > len(ds.order) {
		return nil, nil, nil, io.EOF
	}
	inputs = make([][]float64, 0, ds.batchSize)
	labels = make([][]float64, 0, ds.batchSize)
	for _, idx := range ds.order[ds.next : ds.next+ds.batchSize] {
		inputs = append(inputs, ds.samples[idx].Inputs)
		labels = append(labels, ds.samples[idx].Labels)
	}
	ds.next += ds.batchSize
	return ds, inputs, labels, nil
}

// Reset implements train.Dataset, restarting the epoch and, if shuffling is
// enabled, reshuffling with the seed derived from the epoch number.
func (ds *InMemoryDataset) Reset() {
	ds.epoch++
	ds.resetOrder()
}

func (ds *InMemoryDataset) resetOrder() {
	usable := ds.NumBatches() * ds.batchSize
	if ds.order == nil {
		ds.order = make([]int, len(ds.samples))
		for ii := range ds.order {
			ds.order[ii] = ii
		}
	}
	ds.next = 0
	if !ds.shuffle {
		ds.order = ds.order[:usable]
		return
	}
	ds.order = ds.order[:len(ds.samples)]
	rng := rand.New(rand.NewSource(ds.shuffleSeed + int64(ds.epoch)))
	rng.Shuffle(len(ds.order), func(i, j int) {
		ds.order[i], ds.order[j] = ds.order[j], ds.order[i]
	})
	ds.order = ds.order[:usable]
}
