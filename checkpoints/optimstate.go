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

package checkpoints

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/gomlx/pretrain/train/optimizers"
	"github.com/pkg/errors"
)

// optimStateMeta is the JSON sidecar of the optimizer-state artifact: the
// moment buffers of every named optimizer state, keyed by model name through
// the file name (`optim_{model}.ckpt`).
type optimStateMeta struct {
	Model      string
	GlobalStep int64
	LossScale  float64

	// Buffers maps the optimizer buffer name to the lengths of its tensors,
	// in blob order.
	Buffers map[string][]int
}

// OptimizerStateName returns the base name of the optimizer-state artifact
// for the given model: `optim_{model}`.
func OptimizerStateName(model string) string {
	return "optim_" + model
}

// SaveOptimizerState writes the separate optimizer-state artifact
// (`optim_{model}.ckpt` + sidecar), allowing the optimizer moment buffers to
// be resumed independently of the model weights.
func (h *Handler) SaveOptimizerState(state *optimizers.State) error {
	base := OptimizerStateName(h.config.model)
	meta := optimStateMeta{
		Model:      h.config.model,
		GlobalStep: state.GlobalStep,
		LossScale:  state.LossScale,
		Buffers:    make(map[string][]int, len(state.Buffers)),
	}

	dataPath := filepath.Join(h.config.dir, base+dataSuffix)
	dataFile, err := os.Create(dataPath)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to create optimizer-state file %s", h, dataPath)
	}
	// Blob layout follows the sorted buffer names, so writes and reads agree.
	names := make([]string, 0, len(state.Buffers))
	for name := range state.Buffers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		tensors := state.Buffers[name]
		lengths := make([]int, 0, len(tensors))
		for ii, tensor := range tensors {
			if err = writeFloat64s(dataFile, tensor); err != nil {
				_ = dataFile.Close()
				return errors.Wrapf(err, "%s: failed to write optimizer buffer %s#%d", h, name, ii)
			}
			lengths = append(lengths, len(tensor))
		}
		meta.Buffers[name] = lengths
	}
	if err = dataFile.Close(); err != nil {
		return errors.Wrapf(err, "%s: failed to close optimizer-state file %s", h, dataPath)
	}

	metaPath := filepath.Join(h.config.dir, base+metaSuffix)
	metaFile, err := os.Create(metaPath)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to create optimizer-state metadata %s", h, metaPath)
	}
	enc := json.NewEncoder(metaFile)
	enc.SetIndent("", "\t")
	if err = enc.Encode(&meta); err != nil {
		_ = metaFile.Close()
		return errors.Wrapf(err, "%s: failed to write optimizer-state metadata %s", h, metaPath)
	}
	return errors.Wrapf(metaFile.Close(), "%s: failed to close optimizer-state metadata %s", h, metaPath)
}

// LoadOptimizerState reads the optimizer-state artifact back, or returns
// (nil, nil) when none exists. A state saved for a different model is a
// fatal resumption error.
func (h *Handler) LoadOptimizerState() (*optimizers.State, error) {
	base := OptimizerStateName(h.config.model)
	metaPath := filepath.Join(h.config.dir, base+metaSuffix)
	metaFile, err := os.Open(metaPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "%s: failed to open optimizer-state metadata %s", h, metaPath)
	}
	var meta optimStateMeta
	err = json.NewDecoder(metaFile).Decode(&meta)
	_ = metaFile.Close()
	if err != nil {
		return nil, errors.Wrapf(err, "%s: failed to decode optimizer-state metadata %s", h, metaPath)
	}
	if meta.Model != h.config.model {
		return nil, errors.Errorf("%s: optimizer state was saved for model %q, this run is for model %q",
			h, meta.Model, h.config.model)
	}

	dataPath := filepath.Join(h.config.dir, base+dataSuffix)
	dataFile, err := os.Open(dataPath)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: failed to open optimizer-state file %s", h, dataPath)
	}
	defer func() { _ = dataFile.Close() }()

	state := &optimizers.State{
		GlobalStep: meta.GlobalStep,
		LossScale:  meta.LossScale,
		Buffers:    make(map[string][][]float64, len(meta.Buffers)),
	}
	names := make([]string, 0, len(meta.Buffers))
	for name := range meta.Buffers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		lengths := meta.Buffers[name]
		tensors := make([][]float64, 0, len(lengths))
		for ii, length := range lengths {
			tensor := make([]float64, length)
			if err = readFloat64s(dataFile, tensor); err != nil {
				return nil, errors.Wrapf(err, "%s: failed to read optimizer buffer %s#%d (%d values)",
					h, name, ii, length)
			}
			tensors = append(tensors, tensor)
		}
		state.Buffers[name] = tensors
	}
	return state, nil
}
