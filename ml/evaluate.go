package ml

import "sort"

// EvaluationMetrics summarize classifier quality over one labeled batch.
// Every field lies in [0,1]; the batch is never stored, metrics are
// recomputed per call.
type EvaluationMetrics struct {
	Accuracy  float64 `json:"accuracy"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1Score   float64 `json:"f1_score"`
	ROCAUC    float64 `json:"roc_auc"`
}

// computeMetrics accumulates the 2x2 confusion matrix at the 0.5 threshold
// and derives the ranking AUC from the raw confidences. Ratios with a zero
// denominator report 0.
func computeMetrics(confidences []float64, labels []int) EvaluationMetrics {
	var tp, tn, fp, fn int
	for i, confidence := range confidences {
		predicted := confidence > 0.5
		actual := labels[i] == 1
		switch {
		case predicted && actual:
			tp++
		case predicted && !actual:
			fp++
		case !predicted && actual:
			fn++
		default:
			tn++
		}
	}

	metrics := EvaluationMetrics{}
	if total := len(confidences); total > 0 {
		metrics.Accuracy = float64(tp+tn) / float64(total)
	}
	if tp+fp > 0 {
		metrics.Precision = float64(tp) / float64(tp+fp)
	}
	if tp+fn > 0 {
		metrics.Recall = float64(tp) / float64(tp+fn)
	}
	if metrics.Precision+metrics.Recall > 0 {
		metrics.F1Score = 2 * metrics.Precision * metrics.Recall / (metrics.Precision + metrics.Recall)
	}
	metrics.ROCAUC = rocAUC(confidences, labels)
	return metrics
}

// rocAUC walks the examples in descending confidence order, adding the
// running true-positive count each time a negative is passed. When either
// class is absent, discrimination is undefined and the neutral 0.5 is
// returned.
func rocAUC(confidences []float64, labels []int) float64 {
	positives := 0
	negatives := 0
	for _, label := range labels {
		if label == 1 {
			positives++
		} else {
			negatives++
		}
	}
	if positives == 0 || negatives == 0 {
		return 0.5
	}

	order := make([]int, len(confidences))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return confidences[order[a]] > confidences[order[b]]
	})

	truePositives := 0
	accumulated := 0
	for _, idx := range order {
		if labels[idx] == 1 {
			truePositives++
		} else {
			accumulated += truePositives
		}
	}
	return float64(accumulated) / float64(positives*negatives)
}
