package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
)

// BaselineNode is one node of the flattened tree. Child fields hold
// absolute indices into the node slice; leaves carry the majority label
// and its purity.
type BaselineNode struct {
	FeatureIdx int     `json:"feature_idx"`
	Threshold  float64 `json:"threshold"`
	Left       int     `json:"left"`
	Right      int     `json:"right"`
	Label      int     `json:"label"`
	Confidence float64 `json:"confidence"`
	Leaf       bool    `json:"leaf"`
}

// Baseline is a small gini-split decision tree over feature vectors.
// It is a sanity reference for the network: a detector that cannot beat
// it on held-out data has learned nothing from the raw flux.
type Baseline struct {
	nodes    []BaselineNode
	maxDepth int
}

const defaultBaselineDepth = 4

func NewBaseline(maxDepth int) *Baseline {
	if maxDepth <= 0 {
		maxDepth = defaultBaselineDepth
	}
	return &Baseline{maxDepth: maxDepth}
}

// Fit builds the tree. Splits use the per-feature median as threshold
// and pick the feature with the lowest weighted gini impurity.
func (b *Baseline) Fit(vectors []FeatureVector, labels []int) error {
	if len(vectors) == 0 {
		return errors.New("baseline: empty training set")
	}
	if len(vectors) != len(labels) {
		return fmt.Errorf("baseline: %d vectors vs %d labels", len(vectors), len(labels))
	}

	rows := make([][]float64, len(vectors))
	for i, v := range vectors {
		rows[i] = v.Values()
	}

	b.nodes = b.nodes[:0]
	b.grow(rows, labels, 0)
	return nil
}

// grow appends the subtree for rows and returns its root index.
func (b *Baseline) grow(rows [][]float64, labels []int, depth int) int {
	idx := len(b.nodes)
	b.nodes = append(b.nodes, BaselineNode{})

	label, purity := majorityLabel(labels)
	if depth >= b.maxDepth || purity == 1.0 {
		b.nodes[idx] = leafNode(label, purity)
		return idx
	}

	feature, threshold, ok := bestSplit(rows, labels)
	if !ok {
		b.nodes[idx] = leafNode(label, purity)
		return idx
	}

	leftRows, leftLabels, rightRows, rightLabels := partition(rows, labels, feature, threshold)
	if len(leftLabels) == 0 || len(rightLabels) == 0 {
		b.nodes[idx] = leafNode(label, purity)
		return idx
	}

	left := b.grow(leftRows, leftLabels, depth+1)
	right := b.grow(rightRows, rightLabels, depth+1)
	b.nodes[idx] = BaselineNode{
		FeatureIdx: feature,
		Threshold:  threshold,
		Left:       left,
		Right:      right,
		Label:      label,
	}
	return idx
}

func leafNode(label int, purity float64) BaselineNode {
	return BaselineNode{FeatureIdx: -1, Left: -1, Right: -1, Label: label, Confidence: purity, Leaf: true}
}

// Predict walks the tree and returns the leaf label with the
// probability of the positive class.
func (b *Baseline) Predict(f FeatureVector) (int, float64, error) {
	if len(b.nodes) == 0 {
		return 0, 0, errors.New("baseline: not fitted")
	}
	values := f.Values()
	idx := 0
	for {
		node := b.nodes[idx]
		if node.Leaf {
			confidence := node.Confidence
			if node.Label == 0 {
				confidence = 1 - confidence
			}
			return node.Label, confidence, nil
		}
		if values[node.FeatureIdx] <= node.Threshold {
			idx = node.Left
		} else {
			idx = node.Right
		}
		if idx < 0 || idx >= len(b.nodes) {
			return 0, 0, errors.New("baseline: corrupt tree")
		}
	}
}

// Evaluate scores the tree over a labeled set with the shared
// confusion-matrix metrics.
func (b *Baseline) Evaluate(vectors []FeatureVector, labels []int) (EvaluationMetrics, error) {
	if len(vectors) == 0 || len(vectors) != len(labels) {
		return EvaluationMetrics{}, errors.New("baseline: invalid evaluation set")
	}
	confidences := make([]float64, len(vectors))
	for i, v := range vectors {
		_, confidence, err := b.Predict(v)
		if err != nil {
			return EvaluationMetrics{}, err
		}
		confidences[i] = confidence
	}
	return computeMetrics(confidences, labels), nil
}

func (b *Baseline) Encode() ([]byte, error) {
	if len(b.nodes) == 0 {
		return nil, errors.New("baseline: not fitted")
	}
	return json.Marshal(struct {
		MaxDepth int            `json:"max_depth"`
		Nodes    []BaselineNode `json:"nodes"`
	}{b.maxDepth, b.nodes})
}

func DecodeBaseline(payload []byte) (*Baseline, error) {
	var blob struct {
		MaxDepth int            `json:"max_depth"`
		Nodes    []BaselineNode `json:"nodes"`
	}
	if err := json.Unmarshal(payload, &blob); err != nil {
		return nil, fmt.Errorf("baseline: decode: %w", err)
	}
	if len(blob.Nodes) == 0 {
		return nil, errors.New("baseline: decoded empty tree")
	}
	return &Baseline{nodes: blob.Nodes, maxDepth: blob.MaxDepth}, nil
}

func bestSplit(rows [][]float64, labels []int) (int, float64, bool) {
	featureCount := len(rows[0])
	bestFeature := -1
	bestThreshold := 0.0
	bestImpurity := math.MaxFloat64

	values := make([]float64, len(rows))
	for feature := 0; feature < featureCount; feature++ {
		for i, row := range rows {
			values[i] = row[feature]
		}
		threshold := median(values)
		leftLabels, rightLabels := splitLabels(rows, labels, feature, threshold)
		if len(leftLabels) == 0 || len(rightLabels) == 0 {
			continue
		}
		impurity := weightedGini(leftLabels, rightLabels)
		if impurity < bestImpurity {
			bestImpurity = impurity
			bestFeature = feature
			bestThreshold = threshold
		}
	}
	if bestFeature == -1 {
		return -1, 0, false
	}
	return bestFeature, bestThreshold, true
}

func partition(rows [][]float64, labels []int, feature int, threshold float64) ([][]float64, []int, [][]float64, []int) {
	var leftRows, rightRows [][]float64
	var leftLabels, rightLabels []int
	for i, row := range rows {
		if row[feature] <= threshold {
			leftRows = append(leftRows, row)
			leftLabels = append(leftLabels, labels[i])
		} else {
			rightRows = append(rightRows, row)
			rightLabels = append(rightLabels, labels[i])
		}
	}
	return leftRows, leftLabels, rightRows, rightLabels
}

func splitLabels(rows [][]float64, labels []int, feature int, threshold float64) ([]int, []int) {
	var left, right []int
	for i, row := range rows {
		if row[feature] <= threshold {
			left = append(left, labels[i])
		} else {
			right = append(right, labels[i])
		}
	}
	return left, right
}

func weightedGini(left, right []int) float64 {
	lw := float64(len(left))
	rw := float64(len(right))
	total := lw + rw
	return (lw/total)*gini(left) + (rw/total)*gini(right)
}

func gini(labels []int) float64 {
	if len(labels) == 0 {
		return 0
	}
	positives := 0
	for _, label := range labels {
		if label == 1 {
			positives++
		}
	}
	p := float64(positives) / float64(len(labels))
	return 1 - p*p - (1-p)*(1-p)
}

// majorityLabel returns the dominant label and its share.
func majorityLabel(labels []int) (int, float64) {
	if len(labels) == 0 {
		return 0, 0
	}
	positives := 0
	for _, label := range labels {
		if label == 1 {
			positives++
		}
	}
	if 2*positives >= len(labels) {
		return 1, float64(positives) / float64(len(labels))
	}
	return 0, float64(len(labels)-positives) / float64(len(labels))
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
