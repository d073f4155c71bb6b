package metric

import (
	"github.com/sugarme/gotch"
	ts "github.com/sugarme/gotch/tensor"
)

// Metric scores predicted probabilities against ground-truth masks.
type Metric interface {
	Name() string
	Compute(pred, target *ts.Tensor) float64
}

// IOUScore is the Jaccard index, averaged over classes.
type IOUScore struct {
	// Threshold binarizes predictions. Zero or less keeps soft values.
	Threshold float64
}

func (m *IOUScore) Name() string { return "iou_score" }

// Compute returns (I + smooth) / (U + smooth).
func (m *IOUScore) Compute(pred, target *ts.Tensor) float64 {
	pr := binarize(pred, m.Threshold)
	inter := pr.MustMul(target, false).MustSum1(perClassDims, false, gotch.Double, true)
	prSum := pr.MustSum1(perClassDims, false, gotch.Double, true)
	tSum := target.MustSum1(perClassDims, false, gotch.Double, false)

	union := prSum.MustAdd(tSum, true).MustSub(inter, true)
	tSum.MustDrop()

	num := inter.MustAdd1(ts.FloatScalar(Smooth), true)
	den := union.MustAdd1(ts.FloatScalar(Smooth), true)
	score := num.MustDiv(den, true)
	den.MustDrop()

	mean := score.MustMean(gotch.Double, true)
	v := mean.Float64Values()[0]
	mean.MustDrop()

	return v
}

// FScore is the F-beta score, averaged over classes.
type FScore struct {
	Beta float64
	// Threshold binarizes predictions. Zero or less keeps soft values.
	Threshold float64
}

func (m *FScore) Name() string {
	if m.Beta == 1 {
		return "f1-score"
	}
	return "f-score"
}

func (m *FScore) Compute(pred, target *ts.Tensor) float64 {
	pr := binarize(pred, m.Threshold)
	score := fScore(pr, target, m.Beta)
	pr.MustDrop()
	v := score.Float64Values()[0]
	score.MustDrop()

	return v
}

// fScore computes
//   ((1+b^2)*tp + smooth) / ((1+b^2)*tp + b^2*fn + fp + smooth)
// per class and returns the mean as a scalar tensor.
func fScore(pred, target *ts.Tensor, beta float64) *ts.Tensor {
	b2 := beta * beta

	tp := pred.MustMul(target, false).MustSum1(perClassDims, false, gotch.Double, true)
	prSum := pred.MustSum1(perClassDims, false, gotch.Double, false)
	tSum := target.MustSum1(perClassDims, false, gotch.Double, false)
	fp := prSum.MustSub(tp, true)
	fn := tSum.MustSub(tp, true)

	num := tp.MustMul1(ts.FloatScalar(1+b2), true).MustAdd1(ts.FloatScalar(Smooth), true)
	den := fn.MustMul1(ts.FloatScalar(b2), true).MustAdd(fp, true).MustAdd(num, true)
	fp.MustDrop()

	score := num.MustDiv(den, true)
	den.MustDrop()

	return score.MustMean(gotch.Double, true)
}

// binarize returns pred > threshold as pred's dtype, or a copy when
// threshold <= 0.
func binarize(pred *ts.Tensor, threshold float64) *ts.Tensor {
	if threshold <= 0 {
		return pred.MustMul1(ts.FloatScalar(1), false)
	}

	return pred.MustGt(ts.FloatScalar(threshold), false).MustTotype(pred.DType(), true)
}

// Evaluate computes all metrics and returns them keyed by name.
func Evaluate(pred, target *ts.Tensor, metrics ...Metric) map[string]float64 {
	res := make(map[string]float64, len(metrics))
	for _, m := range metrics {
		res[m.Name()] = m.Compute(pred, target)
	}

	return res
}
