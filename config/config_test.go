package config_test

import (
	"io/ioutil"
	"math"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sugarme/pspseg/config"
)

func TestDefault(t *testing.T) {
	p := config.Default()

	assert.Equal(t, "efficientnetb3", p.Backbone)
	assert.Equal(t, 0.001, p.LearningRate)
	assert.Equal(t, int64(1), p.Classes)
	assert.Equal(t, "sigmoid", p.Activation)
	assert.Equal(t, config.Shape{Height: 624, Width: 624, Channels: 3}, p.InputShape)
	assert.NoError(t, p.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(p *config.Params)
	}{
		{"zero learning rate", func(p *config.Params) { p.LearningRate = 0 }},
		{"negative learning rate", func(p *config.Params) { p.LearningRate = -0.1 }},
		{"NaN learning rate", func(p *config.Params) { p.LearningRate = math.NaN() }},
		{"infinite learning rate", func(p *config.Params) { p.LearningRate = math.Inf(1) }},
		{"no classes", func(p *config.Params) { p.Classes = 0 }},
		{"unknown activation", func(p *config.Params) { p.Activation = "gelu" }},
		{"softmax single class", func(p *config.Params) { p.Activation = "softmax" }},
		{"indivisible height", func(p *config.Params) { p.InputShape.Height = 600 }},
		{"bad factor", func(p *config.Params) { p.DownsampleFactor = 2 }},
		{"bad pooling", func(p *config.Params) { p.Pooling = "sum" }},
		{"bad dropout", func(p *config.Params) { p.Dropout = 1 }},
		{"NaN dropout", func(p *config.Params) { p.Dropout = math.NaN() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := config.Default()
			tt.modify(&p)
			err := p.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, config.ErrInvalidParams))
		})
	}
}

func TestSoftmaxMultiClass(t *testing.T) {
	p := config.Default()
	p.Activation = config.ActivationSoftmax
	p.Classes = 4

	assert.NoError(t, p.Validate())
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.yaml")

	p := config.Default()
	p.Backbone = "resnet34"
	p.LearningRate = 0.01
	p.InputShape = config.Shape{Height: 96, Width: 96, Channels: 3}
	require.NoError(t, p.Save(path))

	got, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestLoadNaNLearningRate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.yaml")
	require.NoError(t, ioutil.WriteFile(path, []byte("learning_rate: .nan\n"), 0644))

	p, err := config.Load(path)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(p.LearningRate))
	assert.True(t, errors.Is(p.Validate(), config.ErrInvalidParams))
}
