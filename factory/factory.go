// Package factory builds compiled PSPNet models: network, Adam optimizer,
// focal + Dice loss and IoU / F1 metrics bound to one var store.
package factory

import (
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"

	"github.com/sugarme/pspseg/config"
	"github.com/sugarme/pspseg/metric"
	"github.com/sugarme/pspseg/preprocess"
	"github.com/sugarme/pspseg/pspnet"
)

// Adam hyperparameters besides the learning rate.
const (
	AdamBeta1 = 0.9
	AdamBeta2 = 0.999
)

// MetricThreshold binarizes predicted probabilities before scoring.
const MetricThreshold = 0.5

// Factory builds compiled models on one device.
type Factory struct {
	device gotch.Device
	logger *log.Logger
}

// Option configures a Factory.
type Option func(f *Factory)

// WithDevice selects the device (CPU or a CUDA device) models are built on.
func WithDevice(device gotch.Device) Option {
	return func(f *Factory) {
		f.device = device
	}
}

// WithLogger sets the logger build steps are reported to.
func WithLogger(logger *log.Logger) Option {
	return func(f *Factory) {
		f.logger = logger
	}
}

// NewFactory creates a Factory. Defaults to CPU and a stderr logger.
func NewFactory(opts ...Option) *Factory {
	f := &Factory{
		device: gotch.CPU,
		logger: log.New(os.Stderr, "", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(f)
	}

	return f
}

// Device returns the device models are built on.
func (f *Factory) Device() gotch.Device {
	return f.device
}

// Build creates and compiles a PSPNet model from params.
func (f *Factory) Build(params config.Params) (*Model, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	// resolved for unknown-backbone detection and exposed on the model;
	// Build never applies it.
	prep, err := preprocess.ForBackbone(params.Backbone)
	if err != nil {
		return nil, err
	}

	vs := nn.NewVarStore(f.device)
	net, err := pspnet.New(vs.Root(), params)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to create PSPNet(%s)", params.Backbone)
	}

	if params.EncoderWeights != "" {
		missing, err := vs.LoadPartial(params.EncoderWeights)
		if err != nil {
			return nil, errors.Wrapf(err, "unable to load encoder weights %s", params.EncoderWeights)
		}
		f.logger.Printf("loaded encoder weights %s (%d variables not in file)", params.EncoderWeights, len(missing))
	}
	if params.EncoderFreeze {
		freezeEncoder(vs)
	}

	opt, err := nn.NewAdamConfig(AdamBeta1, AdamBeta2, 0.0).Build(vs, params.LearningRate)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create Adam optimizer")
	}

	m := &Model{
		ID:         uuid.New().String(),
		CreatedAt:  time.Now().UTC(),
		Params:     params,
		Device:     f.device,
		VarStore:   vs,
		Net:        net,
		Optimizer:  opt,
		Loss:       metric.BinaryFocalDiceLoss(),
		Metrics:    []metric.Metric{&metric.IOUScore{Threshold: MetricThreshold}, &metric.FScore{Beta: 1, Threshold: MetricThreshold}},
		Preprocess: prep,
	}

	f.logger.Printf("compiled PSPNet(%s) input=%dx%dx%d classes=%d activation=%s lr=%v params=%d",
		params.Backbone, params.InputShape.Height, params.InputShape.Width, params.InputShape.Channels,
		params.Classes, params.Activation, params.LearningRate, m.NumParameters())

	return m, nil
}

// freezeEncoder stops gradients for all encoder variables.
func freezeEncoder(vs *nn.VarStore) {
	for name, x := range vs.Variables() {
		if pspnet.IsDecoderVar(name) {
			continue
		}
		x.MustSetRequiresGrad(false, false)
	}
}
