// Package metric provides segmentation losses and scores over NCHW probability
// maps.
package metric

import (
	"github.com/sugarme/gotch"
	ts "github.com/sugarme/gotch/tensor"
)

const (
	// Smooth is added to numerator and denominator of overlap scores.
	Smooth = 1e-5
	// Epsilon clips probabilities away from 0 and 1 before taking logs.
	Epsilon = 1e-7
)

// reduction dims: batch, height, width. Scores stay per class.
var perClassDims = []int64{0, 2, 3}

// Loss maps predicted probabilities and ground-truth masks to a scalar loss.
type Loss interface {
	Name() string
	Forward(pred, target *ts.Tensor) *ts.Tensor
}

// BinaryCrossEntropy is the pixel-wise log loss on probabilities.
type BinaryCrossEntropy struct{}

func (l BinaryCrossEntropy) Name() string { return "binary_crossentropy" }

// Forward computes mean(-t * log(p) - (1-t) * log(1-p)).
func (l BinaryCrossEntropy) Forward(pred, target *ts.Tensor) *ts.Tensor {
	p := pred.MustClip(ts.FloatScalar(Epsilon), ts.FloatScalar(1-Epsilon), false)
	// 1-p
	q := p.MustMul1(ts.FloatScalar(-1), false).MustAdd1(ts.FloatScalar(1), true)
	// 1-t
	t1 := target.MustMul1(ts.FloatScalar(-1), false).MustAdd1(ts.FloatScalar(1), true)

	logp := p.MustLog(true)
	logq := q.MustLog(true)

	tlogp := target.MustMul(logp, false)
	t1logq := t1.MustMul(logq, true)
	logp.MustDrop()
	logq.MustDrop()

	loss := tlogp.MustAdd(t1logq, true).MustMul1(ts.FloatScalar(-1), true)
	t1logq.MustDrop()

	return loss.MustMean(gotch.Float, true)
}

// BinaryFocalLoss down-weights well classified pixels.
// Ref. https://arxiv.org/abs/1708.02002
type BinaryFocalLoss struct {
	Alpha float64
	Gamma float64
}

// NewBinaryFocalLoss creates BinaryFocalLoss with alpha=0.25, gamma=2.
func NewBinaryFocalLoss() *BinaryFocalLoss {
	return &BinaryFocalLoss{Alpha: 0.25, Gamma: 2.0}
}

func (l *BinaryFocalLoss) Name() string { return "binary_focal_loss" }

// Forward computes
//   mean(-t * alpha * (1-p)^gamma * log(p) - (1-t) * (1-alpha) * p^gamma * log(1-p))
func (l *BinaryFocalLoss) Forward(pred, target *ts.Tensor) *ts.Tensor {
	p := pred.MustClip(ts.FloatScalar(Epsilon), ts.FloatScalar(1-Epsilon), false)
	// 1-p
	q := p.MustMul1(ts.FloatScalar(-1), false).MustAdd1(ts.FloatScalar(1), true)
	// 1-t
	t1 := target.MustMul1(ts.FloatScalar(-1), false).MustAdd1(ts.FloatScalar(1), true)

	logp := p.MustLog(false)
	logq := q.MustLog(false)

	// x^gamma = exp(gamma * log(x))
	qPow := logq.MustMul1(ts.FloatScalar(l.Gamma), false).MustExp(true)
	pPow := logp.MustMul1(ts.FloatScalar(l.Gamma), false).MustExp(true)
	p.MustDrop()
	q.MustDrop()

	loss1 := target.MustMul(qPow, false).MustMul(logp, true).MustMul1(ts.FloatScalar(-l.Alpha), true)
	loss0 := t1.MustMul(pPow, true).MustMul(logq, true).MustMul1(ts.FloatScalar(l.Alpha-1), true)
	qPow.MustDrop()
	pPow.MustDrop()
	logp.MustDrop()
	logq.MustDrop()

	loss := loss1.MustAdd(loss0, true)
	loss0.MustDrop()

	return loss.MustMean(gotch.Float, true)
}

// DiceLoss is 1 - soft F-score.
// Ref. http://campar.in.tum.de/pub/milletari2016Vnet/milletari2016Vnet.pdf
type DiceLoss struct {
	Beta float64
}

// NewDiceLoss creates DiceLoss with beta=1.
func NewDiceLoss() *DiceLoss {
	return &DiceLoss{Beta: 1}
}

func (l *DiceLoss) Name() string { return "dice_loss" }

// Forward computes 1 - F(pred, target) without thresholding.
func (l *DiceLoss) Forward(pred, target *ts.Tensor) *ts.Tensor {
	score := fScore(pred, target, l.Beta)
	return score.MustMul1(ts.FloatScalar(-1), true).MustAdd1(ts.FloatScalar(1), true)
}

// SumLoss adds its terms.
type SumLoss struct {
	name  string
	terms []Loss
}

// NewSumLoss creates a SumLoss. An empty name joins term names with "_plus_".
func NewSumLoss(name string, terms ...Loss) *SumLoss {
	if name == "" {
		for i, t := range terms {
			if i > 0 {
				name += "_plus_"
			}
			name += t.Name()
		}
	}

	return &SumLoss{name: name, terms: terms}
}

func (l *SumLoss) Name() string { return l.name }

func (l *SumLoss) Forward(pred, target *ts.Tensor) *ts.Tensor {
	var total *ts.Tensor
	for _, t := range l.terms {
		v := t.Forward(pred, target)
		if total == nil {
			total = v
			continue
		}
		total = total.MustAdd(v, true)
		v.MustDrop()
	}

	return total
}

// BinaryFocalDiceLoss returns binary focal loss + dice loss, the composite
// loss for class-imbalanced binary segmentation.
func BinaryFocalDiceLoss() Loss {
	return NewSumLoss("", NewBinaryFocalLoss(), NewDiceLoss())
}
