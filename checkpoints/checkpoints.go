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

// Package checkpoints implements checkpoint management for resumable
// training: saving and loading of parameter and optimizer-state artifacts,
// bounded retention, and best-checkpoint tracking.
//
// The main object is the Handler, created by calling Build, followed by the
// various options and finally Config.Done. Only the coordinating rank of a
// distributed run may own a writing Handler; every other rank only reads at
// startup for resumption.
//
// Each checkpoint is an artifact pair: a binary blob `{model}-{epoch}_{step}.ckpt`
// with the raw parameter values (and the EMA shadow, when enabled), and a
// JSON metadata sidecar `{model}-{epoch}_{step}.json` (a Record). The Record
// is the primary source of resumption metadata; parsing epoch and step out of
// the file name (ParseCheckpointName) is kept only as a fallback for
// checkpoints whose sidecar is missing.
package checkpoints

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"github.com/gomlx/pretrain/train/optimizers"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// DirPermMode is the default directory creation permission (before umask).
var DirPermMode = os.FileMode(0770)

const (
	dataSuffix = ".ckpt"
	metaSuffix = ".json"
)

// Config for the checkpoints Handler to be created. Create it with Build,
// set the options and call Done.
type Config struct {
	err error

	dir            string
	model          string
	keep           int
	higherIsBetter bool
	trackBest      bool
}

// Build starts the configuration of a Handler saving to and loading from the
// given directory. The directory is created if needed.
func Build(dir string) *Config {
	c := &Config{
		dir:            dir,
		keep:           1,
		higherIsBetter: true,
	}
	fi, err := os.Stat(dir)
	if err != nil && !os.IsNotExist(err) {
		c.err = errors.Wrapf(err, "failed to os.Stat(%q)", dir)
		return c
	}
	if err == nil && !fi.IsDir() {
		c.err = errors.Errorf("checkpoint path %q exists but is not a directory", dir)
		return c
	}
	if err != nil {
		if err = os.MkdirAll(dir, DirPermMode); err != nil {
			c.err = errors.Wrapf(err, "failed to create checkpoint directory %q", dir)
		}
	}
	return c
}

// Model sets the model name encoded into checkpoint file names and verified
// at load time. Required.
func (c *Config) Model(name string) *Config {
	c.model = name
	return c
}

// Keep configures the maximum number of interval checkpoints retained; older
// ones are evicted. The best checkpoint (see TrackBest) is never evicted by
// this bound. Default 1.
func (c *Config) Keep(n int) *Config {
	c.keep = n
	return c
}

// TrackBest enables best-checkpoint tracking under a scalar validation
// metric; higherIsBetter selects the comparison direction.
func (c *Config) TrackBest(higherIsBetter bool) *Config {
	c.trackBest = true
	c.higherIsBetter = higherIsBetter
	return c
}

// Done validates the configuration and creates the Handler, scanning the
// directory for previously saved checkpoints.
func (c *Config) Done() (*Handler, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.model == "" {
		return nil, errors.Errorf("checkpoints require a model name, see Config.Model")
	}
	if c.keep < 1 {
		return nil, errors.Errorf("keep_checkpoint_max must be >= 1, got %d", c.keep)
	}
	h := &Handler{
		config: *c,
		runID:  uuid.NewString(),
	}
	records, err := h.scan()
	if err != nil {
		return nil, err
	}
	h.retention = newRetentionSet(c.keep, c.higherIsBetter)
	for _, record := range records {
		// Pre-existing checkpoints re-enter retention but are never evicted
		// retroactively on open; eviction resumes with the next save.
		h.retention.records = append(h.retention.records, record)
	}
	sort.Slice(h.retention.records, func(i, j int) bool {
		return h.retention.records[i].Epoch < h.retention.records[j].Epoch
	})
	return h, nil
}

// Record is the structured resumption metadata stored in the checkpoint's
// JSON sidecar, replacing name parsing as the primary metadata source.
type Record struct {
	RunID      string
	Model      string
	Epoch      int
	GlobalStep int64
	LossScale  float64
	EMA        bool

	// ValidationMetric is set only when validation ran in the epoch the
	// checkpoint was taken.
	ValidationMetric *float64

	// Tensors indexes the binary blob: parameter tensors first, then the EMA
	// shadow tensors when EMA is true.
	Tensors []TensorInfo

	// FileName is the base name of the artifact pair, without suffix. It is
	// derived from the record, not serialized.
	FileName string `json:"-"`
}

// TensorInfo locates one flat tensor inside the binary blob.
type TensorInfo struct {
	Name   string
	Pos    int64
	Length int
}

// Handler handles saving and loading of checkpoints. Create it with
// Build(dir)...Done().
//
// Saves are serialized and not re-entrant: a second Save while one is in
// flight returns an error instead of racing on the directory.
type Handler struct {
	config Config
	runID  string

	mu        sync.Mutex
	saving    bool
	retention *retentionSet
}

// String implements fmt.Stringer.
func (h *Handler) String() string {
	return "checkpoints.Handler(" + h.config.dir + ")"
}

// Dir returns the directory the Handler is configured to. It returns ""
// if the Handler is nil.
func (h *Handler) Dir() string {
	if h == nil {
		return ""
	}
	return h.config.dir
}

// baseName encodes model identity, epoch and global step into the artifact
// name: `{model}-{epoch}_{step}`.
func (h *Handler) baseName(epoch int, globalStep int64) string {
	return h.config.model + "-" + strconv.Itoa(epoch) + "_" + strconv.FormatInt(globalStep, 10)
}

// checkpointNameRegex matches `{model}-{epoch}_{step}.ckpt` style names.
var checkpointNameRegex = regexp.MustCompile(`^(.+)-(\d+)_(\d+)\` + dataSuffix + `$`)

// ParseCheckpointName extracts (model, epoch, globalStep) from a checkpoint
// file name of the form `{model}-{epoch}_{step}.ckpt`.
//
// This is the legacy-compatibility fallback only: the JSON sidecar Record is
// the primary source of resumption metadata.
func ParseCheckpointName(path string) (model string, epoch int, globalStep int64, err error) {
	name := filepath.Base(path)
	matches := checkpointNameRegex.FindStringSubmatch(name)
	if matches == nil {
		return "", 0, 0, errors.Errorf("checkpoint name %q does not match the {model}-{epoch}_{step}%s layout", name, dataSuffix)
	}
	model = matches[1]
	epoch, err = strconv.Atoi(matches[2])
	if err != nil {
		return "", 0, 0, errors.Wrapf(err, "parsing epoch out of %q", name)
	}
	globalStep, err = strconv.ParseInt(matches[3], 10, 64)
	if err != nil {
		return "", 0, 0, errors.Wrapf(err, "parsing global step out of %q", name)
	}
	return model, epoch, globalStep, nil
}

// Snapshot is what a save persists: the live parameters, the optional EMA
// shadow, and the wrapper state for the separate optimizer-state artifact.
type Snapshot struct {
	Epoch            int
	Params           [][]float64
	EMA              [][]float64
	State            *optimizers.State
	ValidationMetric *float64
}

// Save writes a new checkpoint artifact pair and applies the retention
// policy, returning the resulting Record.
//
// An I/O failure here is fatal for the attempt and is propagated: when
// checkpointing was requested at this cadence the run must not silently
// continue unmonitored.
func (h *Handler) Save(snapshot *Snapshot) (*Record, error) {
	h.mu.Lock()
	if h.saving {
		h.mu.Unlock()
		return nil, errors.Errorf("%s: save already in flight, saves are not re-entrant", h)
	}
	h.saving = true
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.saving = false
		h.mu.Unlock()
	}()

	record := &Record{
		RunID:            h.runID,
		Model:            h.config.model,
		Epoch:            snapshot.Epoch,
		GlobalStep:       snapshot.State.GlobalStep,
		LossScale:        snapshot.State.LossScale,
		EMA:              len(snapshot.EMA) > 0,
		ValidationMetric: snapshot.ValidationMetric,
		FileName:         h.baseName(snapshot.Epoch, snapshot.State.GlobalStep),
	}
	if err := h.writeArtifacts(record, snapshot); err != nil {
		return nil, err
	}

	evicted := h.retention.add(record)
	for _, old := range evicted {
		if err := h.removeArtifacts(old.FileName); err != nil {
			return nil, err
		}
	}
	if h.config.trackBest && h.retention.isBest(record) {
		if err := h.mirrorBest(record); err != nil {
			return nil, err
		}
	}
	return record, nil
}

// Best returns the best record so far, or nil when best tracking is disabled
// or no validated checkpoint exists yet.
func (h *Handler) Best() *Record {
	if h == nil || !h.config.trackBest {
		return nil
	}
	return h.retention.best
}

// Improves reports whether a checkpoint validated at metric would become the
// new best. It is what the top_k save policy gates on.
func (h *Handler) Improves(metric float64) bool {
	if h == nil || !h.config.trackBest {
		return false
	}
	return h.retention.improves(metric)
}

// Records returns the currently retained records, oldest epoch first.
func (h *Handler) Records() []*Record {
	return append([]*Record(nil), h.retention.records...)
}

// BestCheckpointName is the artifact the best checkpoint is mirrored to:
// `{model}_best.ckpt`.
func (h *Handler) BestCheckpointName() string {
	return h.config.model + "_best" + dataSuffix
}

func (h *Handler) writeArtifacts(record *Record, snapshot *Snapshot) error {
	dataPath := filepath.Join(h.config.dir, record.FileName+dataSuffix)
	dataFile, err := os.Create(dataPath)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to create checkpoint data file %s", h, dataPath)
	}
	var pos int64
	writeTensors := func(prefix string, tensors [][]float64) error {
		for ii, tensor := range tensors {
			if err := writeFloat64s(dataFile, tensor); err != nil {
				return errors.Wrapf(err, "%s: failed to write tensor %s#%d", h, prefix, ii)
			}
			record.Tensors = append(record.Tensors, TensorInfo{
				Name:   prefix + strconv.Itoa(ii),
				Pos:    pos,
				Length: len(tensor),
			})
			pos += int64(len(tensor)) * 8
		}
		return nil
	}
	if err = writeTensors("param/", snapshot.Params); err != nil {
		_ = dataFile.Close()
		return err
	}
	if err = writeTensors("ema/", snapshot.EMA); err != nil {
		_ = dataFile.Close()
		return err
	}
	if err = dataFile.Close(); err != nil {
		return errors.Wrapf(err, "%s: failed to close checkpoint data file %s", h, dataPath)
	}

	metaPath := filepath.Join(h.config.dir, record.FileName+metaSuffix)
	metaFile, err := os.Create(metaPath)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to create checkpoint metadata file %s", h, metaPath)
	}
	enc := json.NewEncoder(metaFile)
	enc.SetIndent("", "\t")
	if err = enc.Encode(record); err != nil {
		_ = metaFile.Close()
		return errors.Wrapf(err, "%s: failed to write checkpoint metadata file %s", h, metaPath)
	}
	if err = metaFile.Close(); err != nil {
		return errors.Wrapf(err, "%s: failed to close checkpoint metadata file %s", h, metaPath)
	}
	return nil
}

func (h *Handler) removeArtifacts(baseName string) error {
	for _, suffix := range []string{dataSuffix, metaSuffix} {
		path := filepath.Join(h.config.dir, baseName+suffix)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "%s: failed to remove evicted checkpoint file %q", h, path)
		}
	}
	return nil
}

// mirrorBest copies the new best artifact pair to the `{model}_best` names.
func (h *Handler) mirrorBest(record *Record) error {
	src := filepath.Join(h.config.dir, record.FileName+dataSuffix)
	dst := filepath.Join(h.config.dir, h.config.model+"_best"+dataSuffix)
	if err := copyFile(src, dst); err != nil {
		return errors.Wrapf(err, "%s: failed to mirror best checkpoint", h)
	}
	src = filepath.Join(h.config.dir, record.FileName+metaSuffix)
	dst = filepath.Join(h.config.dir, h.config.model+"_best"+metaSuffix)
	if err := copyFile(src, dst); err != nil {
		return errors.Wrapf(err, "%s: failed to mirror best checkpoint metadata", h)
	}
	return nil
}

// Load reads a checkpoint artifact pair given the path of its data file and
// returns the parameter tensors, the EMA shadow (nil when absent) and the
// Record.
//
// A checkpoint taken for a different model is a fatal resumption error.
func (h *Handler) Load(dataPath string) (params, ema [][]float64, record *Record, err error) {
	record, err = readRecord(dataPath)
	if err != nil {
		return nil, nil, nil, err
	}
	if record.Model != h.config.model {
		return nil, nil, nil, errors.Errorf("%s: checkpoint %q was taken for model %q, this run is for model %q",
			h, dataPath, record.Model, h.config.model)
	}
	params, ema, err = readTensors(dataPath, record)
	if err != nil {
		return nil, nil, nil, err
	}
	return params, ema, record, nil
}

// LoadLatest loads the retained checkpoint with the highest epoch, or
// (nil, nil, nil, nil) when the directory has none.
func (h *Handler) LoadLatest() (params, ema [][]float64, record *Record, err error) {
	records := h.retention.records
	if len(records) == 0 {
		return nil, nil, nil, nil
	}
	latest := records[len(records)-1]
	return h.Load(filepath.Join(h.config.dir, latest.FileName+dataSuffix))
}

// scan lists the artifact pairs already in the directory, oldest epoch first.
// Metadata-less data files fall back to name parsing.
func (h *Handler) scan() ([]*Record, error) {
	entries, err := os.ReadDir(h.config.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: listing checkpoints", h)
	}
	var records []*Record
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if filepath.Ext(name) != dataSuffix {
			continue
		}
		model, _, _, nameErr := ParseCheckpointName(name)
		if nameErr != nil || model != h.config.model {
			continue
		}
		dataPath := filepath.Join(h.config.dir, name)
		record, err := readRecord(dataPath)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Epoch < records[j].Epoch })
	return records, nil
}

// readRecord reads the metadata sidecar for the given data file, falling back
// to name parsing when the sidecar is missing.
func readRecord(dataPath string) (*Record, error) {
	base := dataPath[:len(dataPath)-len(dataSuffix)]
	metaFile, err := os.Open(base + metaSuffix)
	if os.IsNotExist(err) {
		// Legacy fallback: no sidecar, the name is all the metadata there is.
		model, epoch, globalStep, nameErr := ParseCheckpointName(dataPath)
		if nameErr != nil {
			return nil, errors.Wrapf(nameErr, "checkpoint %q has no metadata sidecar", dataPath)
		}
		return &Record{
			Model:      model,
			Epoch:      epoch,
			GlobalStep: globalStep,
			LossScale:  1,
			FileName:   filepath.Base(base),
		}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open checkpoint metadata for %q", dataPath)
	}
	defer func() { _ = metaFile.Close() }()
	record := &Record{}
	if err = json.NewDecoder(metaFile).Decode(record); err != nil {
		return nil, errors.Wrapf(err, "failed to decode checkpoint metadata for %q", dataPath)
	}
	record.FileName = filepath.Base(base)
	return record, nil
}

// readTensors reads the binary blob back into parameter and EMA tensors,
// following the Record's index. Without an index (legacy fallback) the whole
// blob is returned as a single parameter tensor.
func readTensors(dataPath string, record *Record) (params, ema [][]float64, err error) {
	dataFile, err := os.Open(dataPath)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to open checkpoint data file %q", dataPath)
	}
	defer func() { _ = dataFile.Close() }()

	if len(record.Tensors) == 0 {
		flat, err := readAllFloat64s(dataFile)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "failed to read checkpoint data file %q", dataPath)
		}
		return [][]float64{flat}, nil, nil
	}
	for _, info := range record.Tensors {
		tensor := make([]float64, info.Length)
		if err = readFloat64s(dataFile, tensor); err != nil {
			return nil, nil, errors.Wrapf(err, "failed to read tensor %q of checkpoint %q", info.Name, dataPath)
		}
		if len(info.Name) >= 4 && info.Name[:4] == "ema/" {
			ema = append(ema, tensor)
		} else {
			params = append(params, tensor)
		}
	}
	return params, ema, nil
}

func writeFloat64s(w io.Writer, values []float64) error {
	buf := make([]byte, 8*len(values))
	for ii, v := range values {
		binary.LittleEndian.PutUint64(buf[ii*8:], math.Float64bits(v))
	}
	_, err := w.Write(buf)
	return err
}

func readFloat64s(r io.Reader, values []float64) error {
	buf := make([]byte, 8*len(values))
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	for ii := range values {
		values[ii] = math.Float64frombits(binary.LittleEndian.Uint64(buf[ii*8:]))
	}
	return nil
}

func readAllFloat64s(r io.Reader) ([]float64, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(raw)%8 != 0 {
		return nil, errors.Errorf("checkpoint blob size %d is not a multiple of 8", len(raw))
	}
	values := make([]float64, len(raw)/8)
	for ii := range values {
		values[ii] = math.Float64frombits(binary.LittleEndian.Uint64(raw[ii*8:]))
	}
	return values, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err = io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
