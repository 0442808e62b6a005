package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
)

// InputLength is the fixed input width of the classifier. Variable-length
// flux series are coerced to this length before inference or training.
const InputLength = 200

const (
	conv1Filters = 32
	conv1Kernel  = 5
	conv2Filters = 64
	conv2Kernel  = 3
	conv3Filters = 128
	conv3Kernel  = 3
	dense1Units  = 64
	dense2Units  = 32
	dropoutRate  = 0.5
)

// Adam optimizer constants.
const (
	adamBeta1   = 0.9
	adamBeta2   = 0.999
	adamEpsilon = 1e-8
)

// network is the fixed 1-D convolutional classifier:
// conv(32,k5) → pool2 → conv(64,k3) → pool2 → conv(128,k3) → global max
// pool → dense(64) → dropout(0.5) → dense(32) → sigmoid. Convolutions use
// "same" padding and rectified activations. Forward and reverse passes are
// implemented directly; there is no tensor runtime behind this.
type network struct {
	conv1  *convLayer
	conv2  *convLayer
	conv3  *convLayer
	dense1 *denseLayer
	dense2 *denseLayer
	output *denseLayer

	rng  *rand.Rand
	step int
}

func newNetwork(rng *rand.Rand) *network {
	return &network{
		conv1:  newConvLayer(1, conv1Filters, conv1Kernel, rng),
		conv2:  newConvLayer(conv1Filters, conv2Filters, conv2Kernel, rng),
		conv3:  newConvLayer(conv2Filters, conv3Filters, conv3Kernel, rng),
		dense1: newDenseLayer(conv3Filters, dense1Units, rng),
		dense2: newDenseLayer(dense1Units, dense2Units, rng),
		output: newDenseLayer(dense2Units, 1, rng),
		rng:    rng,
	}
}

// forwardCache keeps every intermediate activation of one forward pass so
// the reverse pass can run without recomputation.
type forwardCache struct {
	input [][]float64

	conv1Z, conv1A [][]float64
	pool1A         [][]float64
	pool1Idx       [][]int

	conv2Z, conv2A [][]float64
	pool2A         [][]float64
	pool2Idx       [][]int

	conv3Z, conv3A [][]float64

	globalA   []float64
	globalIdx []int

	dense1Z, dense1A []float64
	dropScale        []float64

	dense2Z, dense2A []float64

	outZ       float64
	confidence float64
}

// forward runs one example through the stack. A non-nil dropout rng keeps
// the dropout regularizer active (training); nil disables it (inference).
// Dropout is inverted, scaling survivors by 1/(1−rate) so inference needs
// no compensation.
func (n *network) forward(x []float64, dropout *rand.Rand) *forwardCache {
	cache := &forwardCache{}
	cache.input = make([][]float64, len(x))
	for t, v := range x {
		cache.input[t] = []float64{v}
	}

	cache.conv1Z = n.conv1.forward(cache.input)
	cache.conv1A = relu(cache.conv1Z)
	cache.pool1A, cache.pool1Idx = maxPool2(cache.conv1A)

	cache.conv2Z = n.conv2.forward(cache.pool1A)
	cache.conv2A = relu(cache.conv2Z)
	cache.pool2A, cache.pool2Idx = maxPool2(cache.conv2A)

	cache.conv3Z = n.conv3.forward(cache.pool2A)
	cache.conv3A = relu(cache.conv3Z)

	cache.globalA, cache.globalIdx = globalMaxPool(cache.conv3A)

	cache.dense1Z = n.dense1.forward(cache.globalA)
	cache.dense1A = reluVec(cache.dense1Z)

	if dropout != nil {
		cache.dropScale = make([]float64, len(cache.dense1A))
		keep := 1 - dropoutRate
		for i := range cache.dense1A {
			if dropout.Float64() < dropoutRate {
				cache.dropScale[i] = 0
			} else {
				cache.dropScale[i] = 1 / keep
			}
			cache.dense1A[i] *= cache.dropScale[i]
		}
	}

	cache.dense2Z = n.dense2.forward(cache.dense1A)
	cache.dense2A = reluVec(cache.dense2Z)

	out := n.output.forward(cache.dense2A)
	cache.outZ = out[0]
	cache.confidence = sigmoid(cache.outZ)
	return cache
}

// backward propagates seed = dL/d(outZ) back to the input and returns the
// input gradient. With accumulate set, parameter gradients are added to
// each layer's buffers; the saliency path leaves them untouched.
func (n *network) backward(cache *forwardCache, seed float64, accumulate bool) []float64 {
	outDelta := []float64{seed}
	dense2Delta := n.output.backward(cache.dense2A, outDelta, accumulate)
	reluBackwardVec(dense2Delta, cache.dense2Z)

	dense1Delta := n.dense2.backward(cache.dense1A, dense2Delta, accumulate)
	if cache.dropScale != nil {
		for i := range dense1Delta {
			dense1Delta[i] *= cache.dropScale[i]
		}
	}
	reluBackwardVec(dense1Delta, cache.dense1Z)

	globalDelta := n.dense1.backward(cache.globalA, dense1Delta, accumulate)
	conv3Delta := globalMaxPoolBackward(globalDelta, cache.globalIdx, len(cache.conv3A))
	reluBackward(conv3Delta, cache.conv3Z)

	pool2Delta := n.conv3.backward(cache.pool2A, conv3Delta, accumulate)
	conv2Delta := maxPool2Backward(pool2Delta, cache.pool2Idx, len(cache.conv2A), n.conv2.out)
	reluBackward(conv2Delta, cache.conv2Z)

	pool1Delta := n.conv2.backward(cache.pool1A, conv2Delta, accumulate)
	conv1Delta := maxPool2Backward(pool1Delta, cache.pool1Idx, len(cache.conv1A), n.conv1.out)
	reluBackward(conv1Delta, cache.conv1Z)

	inputDelta := n.conv1.backward(cache.input, conv1Delta, accumulate)

	grad := make([]float64, len(inputDelta))
	for t := range inputDelta {
		grad[t] = inputDelta[t][0]
	}
	return grad
}

// trainBatch accumulates gradients over one mini-batch and applies a
// single Adam update. Returns the mean binary cross-entropy of the batch.
func (n *network) trainBatch(inputs [][]float64, labels []float64, learningRate float64) float64 {
	n.zeroGrads()
	loss := 0.0
	for i, x := range inputs {
		cache := n.forward(x, n.rng)
		y := labels[i]
		loss += bceLoss(cache.confidence, y)
		n.backward(cache, cache.confidence-y, true)
	}
	n.applyAdam(learningRate, len(inputs))
	return loss / float64(len(inputs))
}

// evaluate runs inference over a labeled set and returns mean loss and
// accuracy at the 0.5 threshold.
func (n *network) evaluate(inputs [][]float64, labels []float64) (loss, accuracy float64) {
	if len(inputs) == 0 {
		return 0, 0
	}
	correct := 0
	for i, x := range inputs {
		cache := n.forward(x, nil)
		loss += bceLoss(cache.confidence, labels[i])
		predicted := 0.0
		if cache.confidence > 0.5 {
			predicted = 1
		}
		if predicted == labels[i] {
			correct++
		}
	}
	loss /= float64(len(inputs))
	accuracy = float64(correct) / float64(len(inputs))
	return loss, accuracy
}

// saliency is the absolute gradient of the output confidence with respect
// to each input position.
func (n *network) saliency(cache *forwardCache) []float64 {
	seed := cache.confidence * (1 - cache.confidence)
	grad := n.backward(cache, seed, false)
	for i := range grad {
		grad[i] = math.Abs(grad[i])
	}
	return grad
}

func (n *network) zeroGrads() {
	n.conv1.zeroGrads()
	n.conv2.zeroGrads()
	n.conv3.zeroGrads()
	n.dense1.zeroGrads()
	n.dense2.zeroGrads()
	n.output.zeroGrads()
}

func (n *network) applyAdam(learningRate float64, batchSize int) {
	n.step++
	bc1 := 1 - math.Pow(adamBeta1, float64(n.step))
	bc2 := 1 - math.Pow(adamBeta2, float64(n.step))
	scale := 1 / float64(batchSize)
	n.conv1.applyAdam(learningRate, scale, bc1, bc2)
	n.conv2.applyAdam(learningRate, scale, bc1, bc2)
	n.conv3.applyAdam(learningRate, scale, bc1, bc2)
	n.dense1.applyAdam(learningRate, scale, bc1, bc2)
	n.dense2.applyAdam(learningRate, scale, bc1, bc2)
	n.output.applyAdam(learningRate, scale, bc1, bc2)
}

// convLayer is a stride-1 1-D convolution with "same" zero padding.
// Weights are indexed [filter][channel][tap].
type convLayer struct {
	in, out, kernel int

	w [][][]float64
	b []float64

	gw [][][]float64
	gb []float64
	mw [][][]float64
	vw [][][]float64
	mb []float64
	vb []float64
}

func newConvLayer(in, out, kernel int, rng *rand.Rand) *convLayer {
	l := &convLayer{in: in, out: out, kernel: kernel}
	scale := math.Sqrt(2 / float64(in*kernel))
	l.w = make([][][]float64, out)
	l.gw = make([][][]float64, out)
	l.mw = make([][][]float64, out)
	l.vw = make([][][]float64, out)
	for o := 0; o < out; o++ {
		l.w[o] = make([][]float64, in)
		l.gw[o] = make([][]float64, in)
		l.mw[o] = make([][]float64, in)
		l.vw[o] = make([][]float64, in)
		for i := 0; i < in; i++ {
			l.w[o][i] = make([]float64, kernel)
			l.gw[o][i] = make([]float64, kernel)
			l.mw[o][i] = make([]float64, kernel)
			l.vw[o][i] = make([]float64, kernel)
			for j := 0; j < kernel; j++ {
				l.w[o][i][j] = rng.NormFloat64() * scale
			}
		}
	}
	l.b = make([]float64, out)
	l.gb = make([]float64, out)
	l.mb = make([]float64, out)
	l.vb = make([]float64, out)
	return l
}

func (l *convLayer) forward(x [][]float64) [][]float64 {
	length := len(x)
	pad := l.kernel / 2
	out := make([][]float64, length)
	for t := 0; t < length; t++ {
		row := make([]float64, l.out)
		for o := 0; o < l.out; o++ {
			sum := l.b[o]
			for i := 0; i < l.in; i++ {
				for j := 0; j < l.kernel; j++ {
					src := t + j - pad
					if src < 0 || src >= length {
						continue
					}
					sum += l.w[o][i][j] * x[src][i]
				}
			}
			row[o] = sum
		}
		out[t] = row
	}
	return out
}

func (l *convLayer) backward(x, delta [][]float64, accumulate bool) [][]float64 {
	length := len(x)
	pad := l.kernel / 2
	dx := make([][]float64, length)
	for t := range dx {
		dx[t] = make([]float64, l.in)
	}
	for t := 0; t < length; t++ {
		for o := 0; o < l.out; o++ {
			d := delta[t][o]
			if d == 0 {
				continue
			}
			if accumulate {
				l.gb[o] += d
			}
			for i := 0; i < l.in; i++ {
				for j := 0; j < l.kernel; j++ {
					src := t + j - pad
					if src < 0 || src >= length {
						continue
					}
					if accumulate {
						l.gw[o][i][j] += d * x[src][i]
					}
					dx[src][i] += d * l.w[o][i][j]
				}
			}
		}
	}
	return dx
}

func (l *convLayer) zeroGrads() {
	for o := range l.gw {
		for i := range l.gw[o] {
			for j := range l.gw[o][i] {
				l.gw[o][i][j] = 0
			}
		}
		l.gb[o] = 0
	}
}

func (l *convLayer) applyAdam(learningRate, scale, bc1, bc2 float64) {
	for o := range l.w {
		for i := range l.w[o] {
			for j := range l.w[o][i] {
				adamStep(&l.w[o][i][j], l.gw[o][i][j]*scale, &l.mw[o][i][j], &l.vw[o][i][j], learningRate, bc1, bc2)
			}
		}
		adamStep(&l.b[o], l.gb[o]*scale, &l.mb[o], &l.vb[o], learningRate, bc1, bc2)
	}
}

// denseLayer is a fully connected layer, weights indexed [unit][input].
type denseLayer struct {
	in, out int

	w [][]float64
	b []float64

	gw [][]float64
	gb []float64
	mw [][]float64
	vw [][]float64
	mb []float64
	vb []float64
}

func newDenseLayer(in, out int, rng *rand.Rand) *denseLayer {
	l := &denseLayer{in: in, out: out}
	scale := math.Sqrt(2 / float64(in))
	l.w = make([][]float64, out)
	l.gw = make([][]float64, out)
	l.mw = make([][]float64, out)
	l.vw = make([][]float64, out)
	for o := 0; o < out; o++ {
		l.w[o] = make([]float64, in)
		l.gw[o] = make([]float64, in)
		l.mw[o] = make([]float64, in)
		l.vw[o] = make([]float64, in)
		for i := 0; i < in; i++ {
			l.w[o][i] = rng.NormFloat64() * scale
		}
	}
	l.b = make([]float64, out)
	l.gb = make([]float64, out)
	l.mb = make([]float64, out)
	l.vb = make([]float64, out)
	return l
}

func (l *denseLayer) forward(x []float64) []float64 {
	out := make([]float64, l.out)
	for o := 0; o < l.out; o++ {
		sum := l.b[o]
		for i := 0; i < l.in; i++ {
			sum += l.w[o][i] * x[i]
		}
		out[o] = sum
	}
	return out
}

func (l *denseLayer) backward(x, delta []float64, accumulate bool) []float64 {
	dx := make([]float64, l.in)
	for o := 0; o < l.out; o++ {
		d := delta[o]
		if accumulate {
			l.gb[o] += d
		}
		for i := 0; i < l.in; i++ {
			if accumulate {
				l.gw[o][i] += d * x[i]
			}
			dx[i] += d * l.w[o][i]
		}
	}
	return dx
}

func (l *denseLayer) zeroGrads() {
	for o := range l.gw {
		for i := range l.gw[o] {
			l.gw[o][i] = 0
		}
		l.gb[o] = 0
	}
}

func (l *denseLayer) applyAdam(learningRate, scale, bc1, bc2 float64) {
	for o := range l.w {
		for i := range l.w[o] {
			adamStep(&l.w[o][i], l.gw[o][i]*scale, &l.mw[o][i], &l.vw[o][i], learningRate, bc1, bc2)
		}
		adamStep(&l.b[o], l.gb[o]*scale, &l.mb[o], &l.vb[o], learningRate, bc1, bc2)
	}
}

func adamStep(w *float64, g float64, m, v *float64, learningRate, bc1, bc2 float64) {
	*m = adamBeta1**m + (1-adamBeta1)*g
	*v = adamBeta2**v + (1-adamBeta2)*g*g
	mHat := *m / bc1
	vHat := *v / bc2
	*w -= learningRate * mHat / (math.Sqrt(vHat) + adamEpsilon)
}

func relu(z [][]float64) [][]float64 {
	out := make([][]float64, len(z))
	for t := range z {
		out[t] = make([]float64, len(z[t]))
		for c, v := range z[t] {
			if v > 0 {
				out[t][c] = v
			}
		}
	}
	return out
}

func reluVec(z []float64) []float64 {
	out := make([]float64, len(z))
	for i, v := range z {
		if v > 0 {
			out[i] = v
		}
	}
	return out
}

func reluBackward(delta, z [][]float64) {
	for t := range delta {
		for c := range delta[t] {
			if z[t][c] <= 0 {
				delta[t][c] = 0
			}
		}
	}
}

func reluBackwardVec(delta, z []float64) {
	for i := range delta {
		if z[i] <= 0 {
			delta[i] = 0
		}
	}
}

// maxPool2 downsamples the time axis by 2, recording which element of each
// pair won so the reverse pass can route gradients.
func maxPool2(x [][]float64) ([][]float64, [][]int) {
	length := len(x) / 2
	channels := 0
	if len(x) > 0 {
		channels = len(x[0])
	}
	out := make([][]float64, length)
	idx := make([][]int, length)
	for t := 0; t < length; t++ {
		out[t] = make([]float64, channels)
		idx[t] = make([]int, channels)
		for c := 0; c < channels; c++ {
			a := x[2*t][c]
			b := x[2*t+1][c]
			if a >= b {
				out[t][c] = a
				idx[t][c] = 2 * t
			} else {
				out[t][c] = b
				idx[t][c] = 2*t + 1
			}
		}
	}
	return out, idx
}

func maxPool2Backward(delta [][]float64, idx [][]int, length, channels int) [][]float64 {
	dx := make([][]float64, length)
	for t := range dx {
		dx[t] = make([]float64, channels)
	}
	for t := range delta {
		for c := range delta[t] {
			dx[idx[t][c]][c] += delta[t][c]
		}
	}
	return dx
}

func globalMaxPool(x [][]float64) ([]float64, []int) {
	if len(x) == 0 {
		return nil, nil
	}
	channels := len(x[0])
	out := make([]float64, channels)
	idx := make([]int, channels)
	for c := 0; c < channels; c++ {
		best := x[0][c]
		bestT := 0
		for t := 1; t < len(x); t++ {
			if x[t][c] > best {
				best = x[t][c]
				bestT = t
			}
		}
		out[c] = best
		idx[c] = bestT
	}
	return out, idx
}

func globalMaxPoolBackward(delta []float64, idx []int, length int) [][]float64 {
	dx := make([][]float64, length)
	for t := range dx {
		dx[t] = make([]float64, len(delta))
	}
	for c := range delta {
		dx[idx[c]][c] += delta[c]
	}
	return dx
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

func bceLoss(confidence, label float64) float64 {
	const eps = 1e-7
	a := math.Min(math.Max(confidence, eps), 1-eps)
	return -(label*math.Log(a) + (1-label)*math.Log(1-a))
}

// modelBlob is the persisted form of a parameter set: all weights plus the
// version tag, written and restored as one unit.
type modelBlob struct {
	Version     string        `json:"version"`
	InputLength int           `json:"input_length"`
	Conv1W      [][][]float64 `json:"conv1_w"`
	Conv1B      []float64     `json:"conv1_b"`
	Conv2W      [][][]float64 `json:"conv2_w"`
	Conv2B      []float64     `json:"conv2_b"`
	Conv3W      [][][]float64 `json:"conv3_w"`
	Conv3B      []float64     `json:"conv3_b"`
	Dense1W     [][]float64   `json:"dense1_w"`
	Dense1B     []float64     `json:"dense1_b"`
	Dense2W     [][]float64   `json:"dense2_w"`
	Dense2B     []float64     `json:"dense2_b"`
	OutputW     [][]float64   `json:"output_w"`
	OutputB     []float64     `json:"output_b"`
}

func (n *network) marshal(version string) ([]byte, error) {
	blob := modelBlob{
		Version:     version,
		InputLength: InputLength,
		Conv1W:      n.conv1.w,
		Conv1B:      n.conv1.b,
		Conv2W:      n.conv2.w,
		Conv2B:      n.conv2.b,
		Conv3W:      n.conv3.w,
		Conv3B:      n.conv3.b,
		Dense1W:     n.dense1.w,
		Dense1B:     n.dense1.b,
		Dense2W:     n.dense2.w,
		Dense2B:     n.dense2.b,
		OutputW:     n.output.w,
		OutputB:     n.output.b,
	}
	return json.Marshal(blob)
}

// unmarshalNetwork restores a parameter set, rejecting blobs whose shapes
// do not match the fixed architecture. Optimizer moments start fresh.
func unmarshalNetwork(payload []byte, rng *rand.Rand) (*network, error) {
	var blob modelBlob
	if err := json.Unmarshal(payload, &blob); err != nil {
		return nil, fmt.Errorf("decode model blob: %w", err)
	}
	if blob.InputLength != InputLength {
		return nil, errors.New("model blob input length mismatch")
	}

	n := newNetwork(rng)
	if err := setConvWeights(n.conv1, blob.Conv1W, blob.Conv1B); err != nil {
		return nil, err
	}
	if err := setConvWeights(n.conv2, blob.Conv2W, blob.Conv2B); err != nil {
		return nil, err
	}
	if err := setConvWeights(n.conv3, blob.Conv3W, blob.Conv3B); err != nil {
		return nil, err
	}
	if err := setDenseWeights(n.dense1, blob.Dense1W, blob.Dense1B); err != nil {
		return nil, err
	}
	if err := setDenseWeights(n.dense2, blob.Dense2W, blob.Dense2B); err != nil {
		return nil, err
	}
	if err := setDenseWeights(n.output, blob.OutputW, blob.OutputB); err != nil {
		return nil, err
	}
	return n, nil
}

func setConvWeights(l *convLayer, w [][][]float64, b []float64) error {
	if len(w) != l.out || len(b) != l.out {
		return errors.New("model blob shape mismatch")
	}
	for o := range w {
		if len(w[o]) != l.in {
			return errors.New("model blob shape mismatch")
		}
		for i := range w[o] {
			if len(w[o][i]) != l.kernel {
				return errors.New("model blob shape mismatch")
			}
		}
	}
	l.w = w
	l.b = b
	return nil
}

func setDenseWeights(l *denseLayer, w [][]float64, b []float64) error {
	if len(w) != l.out || len(b) != l.out {
		return errors.New("model blob shape mismatch")
	}
	for o := range w {
		if len(w[o]) != l.in {
			return errors.New("model blob shape mismatch")
		}
	}
	l.w = w
	l.b = b
	return nil
}
