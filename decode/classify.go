package decode

import (
	"math"

	"inferbridge/tensor"
)

func (d *Decoder) classify(outputs map[string]*tensor.Tensor) ([]Class, error) {
	s := d.schema.Classification
	t, err := output(outputs, s.Scores)
	if err != nil {
		return nil, err
	}
	if err := numeric(s.Scores, t); err != nil {
		return nil, err
	}
	if shape := squeeze(t.Shape, 1); len(shape) != 1 {
		return nil, mismatch(s.Scores, "scores must be [N] or [1,N], got %s", t.Shape)
	}
	scores := t.Values()
	if s.QuantScale != 0 {
		for i, v := range scores {
			scores[i] = (v - s.QuantZeroPoint) * s.QuantScale
		}
	}
	switch s.Activation {
	case Softmax:
		softmax(scores)
	case Sigmoid:
		for i, v := range scores {
			scores[i] = 1 / (1 + math.Exp(-v))
		}
	}

	k := s.TopK
	if k <= 0 || k > len(scores) {
		k = len(scores)
	}
	top := topK(scores, k, s.MinScore)
	classes := make([]Class, len(top))
	for i, class := range top {
		classes[i] = Class{Label: d.schema.label(class), Class: class, Score: scores[class]}
	}
	return classes, nil
}

func softmax(values []float64) {
	if len(values) == 0 {
		return
	}
	max := values[0]
	for _, v := range values {
		if v > max {
			max = v
		}
	}
	var sum float64
	for i, v := range values {
		values[i] = math.Exp(v - max)
		sum += values[i]
	}
	for i := range values {
		values[i] /= sum
	}
}

// topK returns the indices of the k best scores at or above min, best first.
// Equal scores keep index order.
func topK(scores []float64, k int, min float64) []int {
	top := make([]int, 0, k)
	for i, score := range scores {
		if score < min || math.IsNaN(score) {
			continue
		}
		j := len(top)
		for j > 0 && scores[top[j-1]] < score {
			j--
		}
		if j >= k {
			continue
		}
		if len(top) < k {
			top = append(top, 0)
		}
		copy(top[j+1:], top[j:len(top)-1])
		top[j] = i
	}
	return top
}
