package checkpoints

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voxtea/voxtrain/tensor"
)

// Artifact file names inside a checkpoint directory.
const (
	WeightsFile  = "weights.pb"
	ConfigFile   = "config.json"
	MetadataFile = "metadata.json"
	MetricsFile  = "metrics.csv"
)

// Checkpointable is the slice of a model the manager needs to persist
// and restore it.
type Checkpointable interface {
	Kind() string
	Parameters() []*tensor.Tensor
	ParameterNames() []string
}

// HistoryWriter streams the metric history as CSV.
type HistoryWriter interface {
	WriteCSV(w io.Writer) error
}

// CorruptError reports a checkpoint that cannot be loaded, naming the
// artifact that failed.
type CorruptError struct {
	Path     string
	Artifact string
	Err      error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt checkpoint %s: artifact %s: %v", e.Path, e.Artifact, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

// Metadata describes a saved checkpoint.
type Metadata struct {
	RunID       string    `json:"runId"`
	Epoch       int       `json:"epoch"`
	ModelKind   string    `json:"modelKind"`
	MetricName  string    `json:"metricName"`
	MetricValue float64   `json:"metricValue"`
	ParamCount  int64     `json:"paramCount"`
	SavedAt     time.Time `json:"savedAt"`
}

// Mode states whether lower or higher metric values are better for
// ranking retained checkpoints.
type Mode int

const (
	ModeMin Mode = iota
	ModeMax
)

type entry struct {
	path  string
	epoch int
	value float64
}

// Manager saves and prunes checkpoints for one training run. Each run
// gets a fresh directory named by a random id; each checkpoint is an
// epoch subdirectory holding weights, config, metadata, and the
// metric history. Writes go to a temp directory renamed into place,
// so a crash never leaves a partial checkpoint visible.
type Manager struct {
	root         string
	runID        string
	metricName   string
	mode         Mode
	retention    int
	saveOnlyBest bool
	logger       *zap.Logger

	saved    []entry
	best     float64
	bestSeen bool
}

// NewManager creates the run directory under root. retention bounds
// how many checkpoints are kept; the best one is never evicted. With
// saveOnlyBest, Save is a no-op unless the metric improves.
func NewManager(root, metricName string, mode Mode, retention int, saveOnlyBest bool, logger *zap.Logger) (*Manager, error) {
	if retention < 1 {
		return nil, fmt.Errorf("retention must be >= 1, got %d", retention)
	}
	if metricName == "" {
		return nil, fmt.Errorf("metric name is empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	runID := uuid.NewString()
	runDir := filepath.Join(root, runID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}
	return &Manager{
		root:         root,
		runID:        runID,
		metricName:   metricName,
		mode:         mode,
		retention:    retention,
		saveOnlyBest: saveOnlyBest,
		logger:       logger,
	}, nil
}

// RunID returns the id of the run directory.
func (m *Manager) RunID() string { return m.runID }

// RunDir returns the absolute run directory path.
func (m *Manager) RunDir() string { return filepath.Join(m.root, m.runID) }

func (m *Manager) improved(value float64) bool {
	if !m.bestSeen {
		return true
	}
	if m.mode == ModeMin {
		return value < m.best
	}
	return value > m.best
}

// Save persists the model at the given epoch. Returns the checkpoint
// directory, or the empty string when saveOnlyBest skips a
// non-improving epoch.
func (m *Manager) Save(model Checkpointable, epoch int, metricValue float64, configJSON []byte, history HistoryWriter) (string, error) {
	if m.saveOnlyBest && !m.improved(metricValue) {
		m.logger.Debug("skipping checkpoint, metric did not improve",
			zap.Int("epoch", epoch),
			zap.Float64("value", metricValue),
			zap.Float64("best", m.best))
		return "", nil
	}

	tmpDir, err := os.MkdirTemp(m.RunDir(), ".tmp-")
	if err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	names := model.ParameterNames()
	params := model.Parameters()
	if err := WriteWeightsFile(filepath.Join(tmpDir, WeightsFile), names, params); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(tmpDir, ConfigFile), configJSON, 0644); err != nil {
		return "", fmt.Errorf("failed to write config: %w", err)
	}

	var paramCount int64
	for _, p := range params {
		paramCount += int64(p.NumElems)
	}
	meta := Metadata{
		RunID:       m.runID,
		Epoch:       epoch,
		ModelKind:   model.Kind(),
		MetricName:  m.metricName,
		MetricValue: metricValue,
		ParamCount:  paramCount,
		SavedAt:     time.Now().UTC(),
	}
	metaData, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, MetadataFile), metaData, 0644); err != nil {
		return "", fmt.Errorf("failed to write metadata: %w", err)
	}

	if history != nil {
		f, err := os.Create(filepath.Join(tmpDir, MetricsFile))
		if err != nil {
			return "", fmt.Errorf("failed to create metrics file: %w", err)
		}
		if err := history.WriteCSV(f); err != nil {
			f.Close()
			return "", fmt.Errorf("failed to write metric history: %w", err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("failed to flush metric history: %w", err)
		}
	}

	finalDir := filepath.Join(m.RunDir(), fmt.Sprintf("epoch_%04d", epoch))
	if err := os.RemoveAll(finalDir); err != nil {
		return "", fmt.Errorf("failed to clear existing checkpoint: %w", err)
	}
	if err := os.Rename(tmpDir, finalDir); err != nil {
		return "", fmt.Errorf("failed to publish checkpoint: %w", err)
	}

	if m.improved(metricValue) {
		m.best = metricValue
		m.bestSeen = true
	}
	m.saved = append(m.saved, entry{path: finalDir, epoch: epoch, value: metricValue})
	m.logger.Info("saved checkpoint",
		zap.String("path", finalDir),
		zap.Int("epoch", epoch),
		zap.String("metric", m.metricName),
		zap.Float64("value", metricValue))

	if err := m.prune(); err != nil {
		return finalDir, err
	}
	return finalDir, nil
}

// prune evicts the worst ranked checkpoints beyond the retention
// bound. The best checkpoint is always ranked first and never
// evicted.
func (m *Manager) prune() error {
	if len(m.saved) <= m.retention {
		return nil
	}
	sort.SliceStable(m.saved, func(i, j int) bool {
		if m.mode == ModeMin {
			return m.saved[i].value < m.saved[j].value
		}
		return m.saved[i].value > m.saved[j].value
	})
	evict := m.saved[m.retention:]
	m.saved = m.saved[:m.retention]
	for _, e := range evict {
		if err := os.RemoveAll(e.path); err != nil {
			return fmt.Errorf("failed to evict checkpoint %s: %w", e.path, err)
		}
		m.logger.Debug("evicted checkpoint",
			zap.String("path", e.path),
			zap.Int("epoch", e.epoch),
			zap.Float64("value", e.value))
	}
	return nil
}

// Saved returns the retained checkpoint directories, best first.
func (m *Manager) Saved() []string {
	paths := make([]string, len(m.saved))
	for i, e := range m.saved {
		paths[i] = e.path
	}
	return paths
}

// Best returns the directory of the best retained checkpoint, or the
// empty string when none has been saved.
func (m *Manager) Best() string {
	if len(m.saved) == 0 {
		return ""
	}
	best := m.saved[0]
	for _, e := range m.saved[1:] {
		better := e.value < best.value
		if m.mode == ModeMax {
			better = e.value > best.value
		}
		if better {
			best = e
		}
	}
	return best.path
}

// LoadMetadata reads the metadata artifact of a checkpoint directory.
func LoadMetadata(dir string) (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if err != nil {
		return nil, &CorruptError{Path: dir, Artifact: MetadataFile, Err: err}
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, &CorruptError{Path: dir, Artifact: MetadataFile, Err: err}
	}
	return &meta, nil
}

// LoadConfig reads the raw config artifact.
func LoadConfig(dir string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(dir, ConfigFile))
	if err != nil {
		return nil, &CorruptError{Path: dir, Artifact: ConfigFile, Err: err}
	}
	return data, nil
}

// ModelFactory constructs an untrained model of the given kind from a
// raw config document, ready to receive restored weights.
type ModelFactory func(kind string, configJSON []byte) (Checkpointable, error)

// LoadModel reconstructs a model from a checkpoint directory: read
// the metadata for the model kind, rebuild an untrained model from the
// stored config, then restore its weights.
func LoadModel(dir string, factory ModelFactory) (Checkpointable, error) {
	meta, err := LoadMetadata(dir)
	if err != nil {
		return nil, err
	}
	configJSON, err := LoadConfig(dir)
	if err != nil {
		return nil, err
	}
	model, err := factory(meta.ModelKind, configJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild %s model: %w", meta.ModelKind, err)
	}
	if err := Load(dir, model); err != nil {
		return nil, err
	}
	return model, nil
}

// Load restores model weights from a checkpoint directory. Every
// model parameter must be present in the weights file with a matching
// shape; extra tensors in the file are an error so silent partial
// restores cannot happen.
func Load(dir string, model Checkpointable) error {
	return RestoreWeights(filepath.Join(dir, WeightsFile), model)
}

// RestoreWeights copies the tensors of a weights file into an
// existing model's parameters, matched by name.
func RestoreWeights(path string, model Checkpointable) error {
	dir := filepath.Dir(path)
	weights, err := ReadWeightsFile(path)
	if err != nil {
		return &CorruptError{Path: dir, Artifact: filepath.Base(path), Err: err}
	}
	names := model.ParameterNames()
	params := model.Parameters()
	if len(names) != len(params) {
		return fmt.Errorf("model reports %d names for %d parameters", len(names), len(params))
	}
	for i, name := range names {
		nt, ok := weights[name]
		if !ok {
			return &CorruptError{Path: dir, Artifact: filepath.Base(path), Err: fmt.Errorf("missing tensor %q", name)}
		}
		p := params[i]
		if !shapeEqual(nt.Shape, p.Shape) {
			return &CorruptError{Path: dir, Artifact: filepath.Base(path),
				Err: fmt.Errorf("tensor %q shape %v does not match model shape %v", name, nt.Shape, p.Shape)}
		}
		dst, err := p.Float32Slice()
		if err != nil {
			return fmt.Errorf("parameter %q: %w", name, err)
		}
		copy(dst, nt.Data)
		delete(weights, name)
	}
	if len(weights) > 0 {
		for name := range weights {
			return &CorruptError{Path: dir, Artifact: filepath.Base(path), Err: fmt.Errorf("unexpected tensor %q", name)}
		}
	}
	return nil
}

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// FindLatest scans root for the most recently saved checkpoint across
// all runs, ranked by the metadata timestamp. An empty string with a
// nil error means no checkpoints exist under root.
func FindLatest(root string) (string, error) {
	runs, err := os.ReadDir(root)
	if err != nil {
		return "", fmt.Errorf("failed to read checkpoint root: %w", err)
	}
	var latest string
	var latestAt time.Time
	for _, run := range runs {
		if !run.IsDir() {
			continue
		}
		epochs, err := os.ReadDir(filepath.Join(root, run.Name()))
		if err != nil {
			continue
		}
		for _, ep := range epochs {
			if !ep.IsDir() {
				continue
			}
			dir := filepath.Join(root, run.Name(), ep.Name())
			meta, err := LoadMetadata(dir)
			if err != nil {
				continue
			}
			if latest == "" || meta.SavedAt.After(latestAt) {
				latest = dir
				latestAt = meta.SavedAt
			}
		}
	}
	return latest, nil
}
