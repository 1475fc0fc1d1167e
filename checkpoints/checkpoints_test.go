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
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/pretrain/train/optimizers"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSnapshot(epoch int, step int64, params [][]float64) *Snapshot {
	return &Snapshot{
		Epoch:  epoch,
		Params: params,
		State:  &optimizers.State{GlobalStep: step, LossScale: 1024},
	}
}

func metric(v float64) *float64 { return &v }

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	h := must.M1(Build(dir).Model("vit").Keep(3).Done())

	params := [][]float64{{1.5, -2.5}, {3.25}}
	record := must.M1(h.Save(newSnapshot(1, 100, params)))
	assert.Equal(t, "vit-1_100", record.FileName)
	assert.FileExists(t, filepath.Join(dir, "vit-1_100.ckpt"))
	assert.FileExists(t, filepath.Join(dir, "vit-1_100.json"))

	loaded, ema, loadedRecord := mustLoad(t, h, filepath.Join(dir, "vit-1_100.ckpt"))
	assert.Equal(t, params, loaded)
	assert.Nil(t, ema)
	assert.Equal(t, 1, loadedRecord.Epoch)
	assert.EqualValues(t, 100, loadedRecord.GlobalStep)
	assert.Equal(t, 1024.0, loadedRecord.LossScale)
}

func mustLoad(t *testing.T, h *Handler, path string) (params, ema [][]float64, record *Record) {
	t.Helper()
	params, ema, record, err := h.Load(path)
	require.NoError(t, err)
	return params, ema, record
}

func TestSaveWithEMA(t *testing.T) {
	dir := t.TempDir()
	h := must.M1(Build(dir).Model("vit").Done())
	snapshot := newSnapshot(0, 10, [][]float64{{1, 2}})
	snapshot.EMA = [][]float64{{0.5, 1.5}}
	must.M1(h.Save(snapshot))

	params, ema, record := mustLoad(t, h, filepath.Join(dir, "vit-0_10.ckpt"))
	assert.True(t, record.EMA)
	assert.Equal(t, [][]float64{{1, 2}}, params)
	assert.Equal(t, [][]float64{{0.5, 1.5}}, ema)
}

func TestRetentionBound(t *testing.T) {
	dir := t.TempDir()
	h := must.M1(Build(dir).Model("vit").Keep(2).Done())
	for epoch := 1; epoch <= 5; epoch++ {
		must.M1(h.Save(newSnapshot(epoch, int64(epoch*10), [][]float64{{1}})))
		assert.LessOrEqual(t, h.retention.size(), 2, "retention bound must hold after every save")
	}
	records := h.Records()
	require.Len(t, records, 2)
	assert.Equal(t, 4, records[0].Epoch, "oldest epochs are evicted first")
	assert.Equal(t, 5, records[1].Epoch)
	assert.NoFileExists(t, filepath.Join(dir, "vit-1_10.ckpt"))
	assert.NoFileExists(t, filepath.Join(dir, "vit-1_10.json"))
	assert.FileExists(t, filepath.Join(dir, "vit-5_50.ckpt"))
}

func TestBestIsNeverEvicted(t *testing.T) {
	dir := t.TempDir()
	h := must.M1(Build(dir).Model("vit").Keep(2).TrackBest(true).Done())

	first := newSnapshot(1, 10, [][]float64{{1}})
	first.ValidationMetric = metric(0.9)
	must.M1(h.Save(first))
	require.NotNil(t, h.Best())
	assert.Equal(t, 1, h.Best().Epoch)
	assert.FileExists(t, filepath.Join(dir, "vit_best.ckpt"), "best artifact is mirrored separately")

	// Later epochs with worse metrics: the best record must survive any
	// number of interval evictions.
	for epoch := 2; epoch <= 6; epoch++ {
		snapshot := newSnapshot(epoch, int64(epoch*10), [][]float64{{1}})
		snapshot.ValidationMetric = metric(0.5)
		must.M1(h.Save(snapshot))
	}
	assert.Equal(t, 1, h.Best().Epoch, "best record must not be superseded by worse metrics")
	assert.FileExists(t, filepath.Join(dir, "vit-1_10.ckpt"), "best checkpoint must never be evicted")

	// A better metric supersedes it.
	better := newSnapshot(7, 70, [][]float64{{1}})
	better.ValidationMetric = metric(0.95)
	must.M1(h.Save(better))
	assert.Equal(t, 7, h.Best().Epoch)
}

func TestLowerIsBetter(t *testing.T) {
	dir := t.TempDir()
	h := must.M1(Build(dir).Model("vit").Keep(3).TrackBest(false).Done())
	first := newSnapshot(1, 10, [][]float64{{1}})
	first.ValidationMetric = metric(2.0)
	must.M1(h.Save(first))
	second := newSnapshot(2, 20, [][]float64{{1}})
	second.ValidationMetric = metric(1.0)
	must.M1(h.Save(second))
	assert.Equal(t, 2, h.Best().Epoch, "lower metric wins when higherIsBetter is false")
}

func TestParseCheckpointName(t *testing.T) {
	model, epoch, step := mustParse(t, "vit-12_3400.ckpt")
	assert.Equal(t, "vit", model)
	assert.Equal(t, 12, epoch)
	assert.EqualValues(t, 3400, step)

	model, epoch, step = mustParse(t, "/some/dir/swin-tiny-3_17.ckpt")
	assert.Equal(t, "swin-tiny", model)
	assert.Equal(t, 3, epoch)
	assert.EqualValues(t, 17, step)

	_, _, _, err := ParseCheckpointName("not-a-checkpoint.txt")
	assert.Error(t, err)
}

func mustParse(t *testing.T, path string) (string, int, int64) {
	t.Helper()
	model, epoch, step, err := ParseCheckpointName(path)
	require.NoError(t, err)
	return model, epoch, step
}

func TestLoadLatestAndRescan(t *testing.T) {
	dir := t.TempDir()
	h := must.M1(Build(dir).Model("vit").Keep(3).Done())
	must.M1(h.Save(newSnapshot(1, 10, [][]float64{{1}})))
	must.M1(h.Save(newSnapshot(2, 20, [][]float64{{2}})))

	// A fresh Handler over the same directory sees the saved checkpoints --
	// this is the restart path.
	h2 := must.M1(Build(dir).Model("vit").Keep(3).Done())
	params, _, record, err := h2.LoadLatest()
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, 2, record.Epoch)
	assert.EqualValues(t, 20, record.GlobalStep)
	assert.Equal(t, [][]float64{{2}}, params)
}

func TestLoadModelMismatch(t *testing.T) {
	dir := t.TempDir()
	h := must.M1(Build(dir).Model("vit").Done())
	must.M1(h.Save(newSnapshot(1, 10, [][]float64{{1}})))

	other := must.M1(Build(dir).Model("resnet").Done())
	_, _, _, err := other.Load(filepath.Join(dir, "vit-1_10.ckpt"))
	assert.Error(t, err, "a checkpoint for a different model is a fatal resumption error")
}

func TestLegacyNameFallback(t *testing.T) {
	// A data file without its metadata sidecar resolves epoch and step from
	// the file name.
	dir := t.TempDir()
	h := must.M1(Build(dir).Model("vit").Done())
	must.M1(h.Save(newSnapshot(3, 30, [][]float64{{7}})))
	require.NoError(t, os.Remove(filepath.Join(dir, "vit-3_30.json")))

	params, _, record, err := h.Load(filepath.Join(dir, "vit-3_30.ckpt"))
	require.NoError(t, err)
	assert.Equal(t, 3, record.Epoch)
	assert.EqualValues(t, 30, record.GlobalStep)
	assert.Equal(t, [][]float64{{7}}, params)
}

func TestOptimizerStateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	h := must.M1(Build(dir).Model("vit").Done())
	state := &optimizers.State{
		GlobalStep: 42,
		LossScale:  512,
		Buffers: map[string][][]float64{
			"moments1": {{0.1, 0.2}, {0.3}},
			"moments2": {{0.4, 0.5}, {0.6}},
		},
	}
	require.NoError(t, h.SaveOptimizerState(state))
	assert.FileExists(t, filepath.Join(dir, "optim_vit.ckpt"))

	loaded := must.M1(h.LoadOptimizerState())
	require.NotNil(t, loaded)
	assert.EqualValues(t, 42, loaded.GlobalStep)
	assert.Equal(t, 512.0, loaded.LossScale)
	assert.Equal(t, state.Buffers, loaded.Buffers)

	empty := must.M1(Build(t.TempDir()).Model("vit").Done())
	none, err := empty.LoadOptimizerState()
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestSaveNotReentrant(t *testing.T) {
	dir := t.TempDir()
	h := must.M1(Build(dir).Model("vit").Done())
	h.mu.Lock()
	h.saving = true
	h.mu.Unlock()
	_, err := h.Save(newSnapshot(1, 10, [][]float64{{1}}))
	assert.Error(t, err)
}

func TestConfigErrors(t *testing.T) {
	_, err := Build(t.TempDir()).Done()
	assert.Error(t, err, "model name is required")
	_, err = Build(t.TempDir()).Model("vit").Keep(0).Done()
	assert.Error(t, err)
}
