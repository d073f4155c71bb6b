package metric_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/pspseg/metric"
)

func mask(vals []float32) *ts.Tensor {
	return ts.MustOfSlice(vals).MustView([]int64{1, 1, 3, 3}, true)
}

var (
	pslice = []float32{1, 0, 0, 1, 0, 0, 1, 0, 0}
	tslice = []float32{1, 0, 0, 1, 1, 0, 1, 0, 0}
)

func TestIOUScore(t *testing.T) {
	pred := mask(pslice)
	target := mask(tslice)

	iou := (&metric.IOUScore{Threshold: 0.5}).Compute(pred, target)
	assert.InDelta(t, 0.75, iou, 1e-4)
}

func TestFScore(t *testing.T) {
	pred := mask(pslice)
	target := mask(tslice)

	f1 := (&metric.FScore{Beta: 1, Threshold: 0.5}).Compute(pred, target)
	assert.InDelta(t, 6.0/7.0, f1, 1e-4)
}

func TestThreshold(t *testing.T) {
	// 0.6 and 0.51 count as positive, 0.4 does not.
	pred := mask([]float32{0.6, 0, 0, 0.51, 0.4, 0, 0.9, 0, 0})
	target := mask(tslice)

	iou := (&metric.IOUScore{Threshold: 0.5}).Compute(pred, target)
	assert.InDelta(t, 0.75, iou, 1e-4)
}

func TestMultiClassBatch(t *testing.T) {
	// [B=2 C=2 H=2 W=2]; scores reduce per class over both images, then
	// average over classes.
	//   class 0: tp 2, fp 1, fn 0 -> iou 2/3, f1 4/5
	//   class 1: tp 2, fp 0, fn 2 -> iou 1/2, f1 2/3
	pred := ts.MustOfSlice([]float32{
		1, 1, 0, 0, // image 0, class 0
		0, 0, 1, 1, // image 0, class 1
		1, 0, 0, 0, // image 1, class 0
		0, 0, 0, 0, // image 1, class 1
	}).MustView([]int64{2, 2, 2, 2}, true)
	target := ts.MustOfSlice([]float32{
		1, 0, 0, 0,
		0, 0, 1, 1,
		1, 0, 0, 0,
		0, 1, 1, 0,
	}).MustView([]int64{2, 2, 2, 2}, true)

	iou := (&metric.IOUScore{Threshold: 0.5}).Compute(pred, target)
	assert.InDelta(t, 7.0/12.0, iou, 1e-4)

	f1 := (&metric.FScore{Beta: 1, Threshold: 0.5}).Compute(pred, target)
	assert.InDelta(t, 11.0/15.0, f1, 1e-4)

	dice := metric.NewDiceLoss().Forward(pred, target)
	assert.InDelta(t, 4.0/15.0, dice.Float64Values()[0], 1e-4)
}

func TestDiceLoss(t *testing.T) {
	pred := mask(pslice)
	target := mask(tslice)

	loss := metric.NewDiceLoss().Forward(pred, target)
	assert.InDelta(t, 1.0/7.0, loss.Float64Values()[0], 1e-4)

	perfect := metric.NewDiceLoss().Forward(target, target)
	assert.InDelta(t, 0.0, perfect.Float64Values()[0], 1e-4)
}

func TestBinaryFocalLoss(t *testing.T) {
	pred := mask(pslice)
	target := mask(tslice)

	// only the missed positive pixel contributes: -0.25 * log(1e-7) / 9
	loss := metric.NewBinaryFocalLoss().Forward(pred, target)
	assert.InDelta(t, 0.25*16.1181/9, loss.Float64Values()[0], 1e-3)
}

func TestBinaryCrossEntropy(t *testing.T) {
	pred := mask([]float32{0.5, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5})
	target := mask(tslice)

	loss := metric.BinaryCrossEntropy{}.Forward(pred, target)
	assert.InDelta(t, 0.693147, loss.Float64Values()[0], 1e-4)
}

func TestBinaryFocalDiceLoss(t *testing.T) {
	pred := mask(pslice)
	target := mask(tslice)

	l := metric.BinaryFocalDiceLoss()
	assert.Equal(t, "binary_focal_loss_plus_dice_loss", l.Name())

	focal := metric.NewBinaryFocalLoss().Forward(pred, target).Float64Values()[0]
	dice := metric.NewDiceLoss().Forward(pred, target).Float64Values()[0]
	total := l.Forward(pred, target).Float64Values()[0]
	assert.InDelta(t, focal+dice, total, 1e-5)
}

func TestEvaluate(t *testing.T) {
	pred := mask(pslice)
	target := mask(tslice)

	res := metric.Evaluate(pred, target, &metric.IOUScore{Threshold: 0.5}, &metric.FScore{Beta: 1, Threshold: 0.5})
	assert.Len(t, res, 2)
	assert.Contains(t, res, "iou_score")
	assert.Contains(t, res, "f1-score")
}
