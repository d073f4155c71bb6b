// Package encoder provides the backbone catalog of feature extractors used by
// segmentation models.
package encoder

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"
)

// ErrUnknownBackbone is returned (wrapped) when a backbone name is not in the catalog.
var ErrUnknownBackbone = errors.New("unknown backbone")

// MaxDepth is the deepest feature tap an encoder provides (stride 32).
const MaxDepth = 5

// Encoder is encoder interface for a image segmentation model.
type Encoder interface {
	// ForwardAll returns depth+1 feature taps. Tap i has stride 2^i,
	// tap 0 is the input itself.
	ForwardAll(x *ts.Tensor, train bool) []*ts.Tensor
	// OutChannels returns the channel count of each tap.
	OutChannels() []int64
}

type entry struct {
	build    func(p *nn.Path, depth int) Encoder
	channels func(depth int) []int64
}

var catalog = map[string]entry{}

func register(name string, e entry) {
	catalog[name] = e
}

// Names returns supported backbone names, sorted.
func Names() []string {
	names := make([]string, 0, len(catalog))
	for n := range catalog {
		names = append(names, n)
	}
	sort.Strings(names)

	return names
}

// Has reports whether name is a supported backbone.
func Has(name string) bool {
	_, ok := catalog[name]
	return ok
}

// New creates the named encoder with layers up to the given depth (1..5)
// under path p.
func New(p *nn.Path, name string, depth int) (Encoder, error) {
	e, ok := catalog[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownBackbone, "%q (supported: %v)", name, Names())
	}
	if depth < 1 || depth > MaxDepth {
		return nil, errors.Errorf("encoder depth must be in [1, %d], got %d", MaxDepth, depth)
	}

	return e.build(p, depth), nil
}

// OutChannels returns tap channels of the named encoder at the given depth
// without building it.
func OutChannels(name string, depth int) ([]int64, error) {
	e, ok := catalog[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownBackbone, "%q", name)
	}
	if depth < 1 || depth > MaxDepth {
		return nil, errors.Errorf("encoder depth must be in [1, %d], got %d", MaxDepth, depth)
	}

	return e.channels(depth), nil
}
