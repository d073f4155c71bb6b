package factory

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/sugarme/pspseg/config"
)

// Artifact file names inside a saved model directory.
const (
	MetadataFile = "model.yaml"
	WeightsFile  = "weights.ot"
)

// ErrArtifactExists is returned by Save with FailIfExists when the target exists.
var ErrArtifactExists = errors.New("artifact already exists")

// Policy decides what Save does when the target directory exists.
type Policy int

const (
	// Overwrite replaces the target directory.
	Overwrite Policy = iota
	// FailIfExists returns ErrArtifactExists.
	FailIfExists
	// Versioned writes to a new <dir>/<unix-nano> subdirectory.
	Versioned
)

func (p Policy) String() string {
	switch p {
	case Overwrite:
		return "overwrite"
	case FailIfExists:
		return "fail"
	case Versioned:
		return "version"
	}
	return "unknown"
}

// ParsePolicy parses "overwrite", "fail" or "version".
func ParsePolicy(s string) (Policy, error) {
	for _, p := range []Policy{Overwrite, FailIfExists, Versioned} {
		if p.String() == s {
			return p, nil
		}
	}

	return Overwrite, errors.Errorf("unknown overwrite policy %q, expected overwrite, fail or version", s)
}

// OptimizerMeta describes the optimizer of a saved model.
type OptimizerMeta struct {
	Name         string  `yaml:"name"`
	LearningRate float64 `yaml:"learning_rate"`
	Beta1        float64 `yaml:"beta1"`
	Beta2        float64 `yaml:"beta2"`
}

// Metadata is the content of model.yaml.
type Metadata struct {
	ID         string        `yaml:"id"`
	CreatedAt  time.Time     `yaml:"created_at"`
	Params     config.Params `yaml:"params"`
	Optimizer  OptimizerMeta `yaml:"optimizer"`
	Loss       string        `yaml:"loss"`
	Metrics    []string      `yaml:"metrics"`
	Parameters int64         `yaml:"parameters"`
}

// Metadata describes the compiled model.
func (m *Model) Metadata() Metadata {
	meta := Metadata{
		ID:        m.ID,
		CreatedAt: m.CreatedAt,
		Params:    m.Params,
		Optimizer: OptimizerMeta{
			Name:         "adam",
			LearningRate: m.Params.LearningRate,
			Beta1:        AdamBeta1,
			Beta2:        AdamBeta2,
		},
		Loss:       m.Loss.Name(),
		Parameters: m.NumParameters(),
	}
	for _, mt := range m.Metrics {
		meta.Metrics = append(meta.Metrics, mt.Name())
	}

	return meta
}

// Save writes the model architecture, compile settings and weights to dir
// according to policy and returns the directory actually written. Overwrite
// replaces model.yaml and weights.ot only; other files in dir are kept.
func (m *Model) Save(dir string, policy Policy) (string, error) {
	target := dir
	_, statErr := os.Stat(dir)
	exists := statErr == nil

	switch policy {
	case Overwrite:
	case FailIfExists:
		if exists {
			return "", errors.Wrapf(ErrArtifactExists, "%s", dir)
		}
	case Versioned:
		target = filepath.Join(dir, strconv.FormatInt(time.Now().UnixNano(), 10))
	default:
		return "", errors.Errorf("unknown overwrite policy %d", policy)
	}

	if err := os.MkdirAll(target, 0755); err != nil {
		return "", errors.Wrapf(err, "unable to create %s", target)
	}

	b, err := yaml.Marshal(m.Metadata())
	if err != nil {
		return "", errors.Wrap(err, "unable to encode metadata")
	}

	weights, err := writeTemp(target, WeightsFile, func(path string) error {
		return m.VarStore.Save(path)
	})
	if err != nil {
		return "", errors.Wrap(err, "unable to save weights")
	}
	defer os.Remove(weights)

	meta, err := writeTemp(target, MetadataFile, func(path string) error {
		return ioutil.WriteFile(path, b, 0644)
	})
	if err != nil {
		return "", errors.Wrap(err, "unable to write metadata")
	}
	defer os.Remove(meta)

	if err := os.Rename(weights, filepath.Join(target, WeightsFile)); err != nil {
		return "", errors.Wrap(err, "unable to replace weights")
	}
	if err := os.Rename(meta, filepath.Join(target, MetadataFile)); err != nil {
		return "", errors.Wrap(err, "unable to replace metadata")
	}

	return target, nil
}

// writeTemp writes a sibling temp file of name in dir with write and returns
// its path. The temp file is removed if write fails.
func writeTemp(dir, name string, write func(path string) error) (string, error) {
	f, err := ioutil.TempFile(dir, "."+name+".*")
	if err != nil {
		return "", err
	}
	path := f.Name()
	f.Close()

	if err := write(path); err != nil {
		os.Remove(path)
		return "", err
	}

	return path, nil
}

// ReadMetadata reads model.yaml from a saved model directory.
func ReadMetadata(dir string) (Metadata, error) {
	var meta Metadata
	b, err := ioutil.ReadFile(filepath.Join(dir, MetadataFile))
	if err != nil {
		return meta, errors.Wrapf(err, "unable to read metadata in %s", dir)
	}
	if err := yaml.Unmarshal(b, &meta); err != nil {
		return meta, errors.Wrapf(err, "unable to parse metadata in %s", dir)
	}

	return meta, nil
}

// Load rebuilds a compiled model saved in dir and restores its weights.
func Load(dir string, opts ...Option) (*Model, error) {
	meta, err := ReadMetadata(dir)
	if err != nil {
		return nil, err
	}

	// the saved weights include the encoder.
	params := meta.Params
	params.EncoderWeights = ""

	m, err := NewFactory(opts...).Build(params)
	if err != nil {
		return nil, err
	}
	if err := m.VarStore.Load(filepath.Join(dir, WeightsFile)); err != nil {
		return nil, errors.Wrapf(err, "unable to load weights in %s", dir)
	}
	m.ID = meta.ID
	m.CreatedAt = meta.CreatedAt
	m.Params = meta.Params

	return m, nil
}
