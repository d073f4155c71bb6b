// Package config holds the hyperparameter set a compiled PSPNet model is built from.
package config

import (
	"io/ioutil"
	"math"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ErrInvalidParams is returned (wrapped) for any hyperparameter that fails validation.
var ErrInvalidParams = errors.New("invalid model parameters")

// Defaults of the hyperparameter set.
const (
	DefaultBackbone     = "efficientnetb3"
	DefaultLearningRate = 0.001
	DefaultClasses      = 1
	DefaultActivation   = "sigmoid"
	DefaultImageSize    = 624
	DefaultChannels     = 3

	DefaultDownsampleFactor = 8
	DefaultConvFilters      = 512
	DefaultPooling          = "avg"
)

// Supported output activations.
const (
	ActivationSigmoid = "sigmoid"
	ActivationSoftmax = "softmax"
	ActivationLinear  = "linear"
	ActivationReLU    = "relu"
	ActivationTanh    = "tanh"
)

// Shape is an image shape given as height, width and channel count.
type Shape struct {
	Height   int64 `yaml:"height"`
	Width    int64 `yaml:"width"`
	Channels int64 `yaml:"channels"`
}

// NCHW returns the shape as a batched tensor size.
func (s Shape) NCHW(batch int64) []int64 {
	return []int64{batch, s.Channels, s.Height, s.Width}
}

// Params is the full hyperparameter set of a PSPNet model.
type Params struct {
	Backbone     string  `yaml:"backbone"`
	LearningRate float64 `yaml:"learning_rate"`
	Classes      int64   `yaml:"classes"`
	Activation   string  `yaml:"activation"`
	InputShape   Shape   `yaml:"input_shape"`

	DownsampleFactor int64   `yaml:"downsample_factor"`
	ConvFilters      int64   `yaml:"conv_filters"`
	Pooling          string  `yaml:"pooling"`
	UseBatchNorm     bool    `yaml:"use_batchnorm"`
	Dropout          float64 `yaml:"dropout"`

	EncoderFreeze  bool   `yaml:"encoder_freeze"`
	EncoderWeights string `yaml:"encoder_weights,omitempty"`
}

// Default returns the documented default hyperparameters:
// efficientnetb3, lr 0.001, 1 class, sigmoid, 624x624x3.
func Default() Params {
	return Params{
		Backbone:     DefaultBackbone,
		LearningRate: DefaultLearningRate,
		Classes:      DefaultClasses,
		Activation:   DefaultActivation,
		InputShape: Shape{
			Height:   DefaultImageSize,
			Width:    DefaultImageSize,
			Channels: DefaultChannels,
		},
		DownsampleFactor: DefaultDownsampleFactor,
		ConvFilters:      DefaultConvFilters,
		Pooling:          DefaultPooling,
		UseBatchNorm:     true,
	}
}

// Validate checks values that do not depend on the backbone catalog.
func (p Params) Validate() error {
	if !(p.LearningRate > 0) || math.IsInf(p.LearningRate, 0) {
		return errors.Wrapf(ErrInvalidParams, "learning rate must be positive, got %v", p.LearningRate)
	}
	if p.Classes < 1 {
		return errors.Wrapf(ErrInvalidParams, "classes must be >= 1, got %v", p.Classes)
	}
	if p.InputShape.Height < 1 || p.InputShape.Width < 1 || p.InputShape.Channels < 1 {
		return errors.Wrapf(ErrInvalidParams, "invalid input shape %+v", p.InputShape)
	}

	switch p.Activation {
	case ActivationSigmoid, ActivationLinear, ActivationReLU, ActivationTanh:
	case ActivationSoftmax:
		// softmax over a single channel is constant 1.
		if p.Classes < 2 {
			return errors.Wrapf(ErrInvalidParams, "activation %q needs at least 2 classes, got %v", p.Activation, p.Classes)
		}
	default:
		return errors.Wrapf(ErrInvalidParams, "unsupported activation %q", p.Activation)
	}

	switch p.DownsampleFactor {
	case 4, 8, 16:
	default:
		return errors.Wrapf(ErrInvalidParams, "downsample factor must be 4, 8 or 16, got %v", p.DownsampleFactor)
	}

	// pyramid bins go up to 6 at the tapped resolution.
	div := 6 * p.DownsampleFactor
	if p.InputShape.Height%div != 0 || p.InputShape.Width%div != 0 {
		return errors.Wrapf(ErrInvalidParams, "input height and width must be divisible by %v, got %vx%v",
			div, p.InputShape.Height, p.InputShape.Width)
	}

	if p.ConvFilters < 1 {
		return errors.Wrapf(ErrInvalidParams, "conv filters must be >= 1, got %v", p.ConvFilters)
	}
	if p.Pooling != "avg" && p.Pooling != "max" {
		return errors.Wrapf(ErrInvalidParams, "pooling must be 'avg' or 'max', got %q", p.Pooling)
	}
	if !(p.Dropout >= 0 && p.Dropout < 1) {
		return errors.Wrapf(ErrInvalidParams, "dropout must be in [0, 1), got %v", p.Dropout)
	}

	return nil
}

// Load reads params from a YAML file. Fields missing from the file keep their defaults.
func Load(path string) (Params, error) {
	p := Default()
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return p, errors.Wrapf(err, "unable to read config %s", path)
	}
	if err := yaml.Unmarshal(b, &p); err != nil {
		return p, errors.Wrapf(err, "unable to parse config %s", path)
	}

	return p, nil
}

// Save writes params to a YAML file.
func (p Params) Save(path string) error {
	b, err := yaml.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "unable to encode params")
	}

	return errors.Wrapf(ioutil.WriteFile(path, b, 0644), "unable to write config %s", path)
}
