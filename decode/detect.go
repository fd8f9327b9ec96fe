package decode

import (
	"sort"

	"inferbridge/tensor"
)

type candidate struct {
	index int
	class int
	score float64
	box   Box
}

func (d *Decoder) detect(outputs map[string]*tensor.Tensor) ([]Object, error) {
	var candidates []candidate
	var err error
	if d.schema.Detection.Layout == YOLO {
		candidates, err = d.yoloCandidates(outputs)
	} else {
		candidates, err = d.ssdCandidates(outputs)
	}
	if err != nil {
		return nil, err
	}
	s := d.schema.Detection
	kept := nonMaxSuppression(candidates, s.IoUThreshold, s.ClassAgnostic, s.MaxDetections)
	objects := make([]Object, len(kept))
	for i, c := range kept {
		objects[i] = Object{Label: d.schema.label(c.class), Class: c.class, Score: c.score, Box: c.box}
	}
	return objects, nil
}

func (d *Decoder) ssdCandidates(outputs map[string]*tensor.Tensor) ([]candidate, error) {
	s := d.schema.Detection
	boxes, err := output(outputs, s.Boxes)
	if err != nil {
		return nil, err
	}
	boxShape := squeeze(boxes.Shape, 2)
	if len(boxShape) != 2 || boxShape[1] != 4 {
		return nil, mismatch(s.Boxes, "boxes must be [1,N,4], got %s", boxes.Shape)
	}
	n := int(boxShape[0])

	scores, err := output(outputs, s.Scores)
	if err != nil {
		return nil, err
	}
	if err := numeric(s.Scores, scores); err != nil {
		return nil, err
	}
	scoreShape := squeeze(scores.Shape, 1)
	if len(scores.Shape) == 3 {
		scoreShape = squeeze(scores.Shape, 2)
	}
	if len(scoreShape) == 0 || scoreShape[0] != int64(n) || len(scoreShape) > 2 {
		return nil, mismatch(s.Scores, "scores must be [1,N] or [1,N,C] with N=%d, got %s", n, scores.Shape)
	}
	perClass := len(scoreShape) == 2

	var classes *tensor.Tensor
	if !perClass {
		classes, err = output(outputs, s.Classes)
		if err != nil {
			return nil, err
		}
		if shape := squeeze(classes.Shape, 1); len(shape) != 1 || shape[0] != int64(n) {
			return nil, mismatch(s.Classes, "classes must be [1,N] with N=%d, got %s", n, classes.Shape)
		}
	}
	if s.Count != "" {
		count, err := output(outputs, s.Count)
		if err != nil {
			return nil, err
		}
		if count.Len() != 1 {
			return nil, mismatch(s.Count, "count must hold a single value, got %s", count.Shape)
		}
		if c := int(count.At(0)); c >= 0 && c < n {
			n = c
		}
	}

	candidates := make([]candidate, 0, n)
	for i := 0; i < n; i++ {
		var class int
		var score float64
		if perClass {
			c := int(scoreShape[1])
			class = 0
			score = scores.At(i * c)
			for j := 1; j < c; j++ {
				if v := scores.At(i*c + j); v > score {
					class, score = j, v
				}
			}
		} else {
			class = int(classes.At(i))
			score = scores.At(i)
		}
		if score < s.ScoreThreshold {
			continue
		}
		candidates = append(candidates, candidate{
			index: i,
			class: class,
			score: score,
			box: Box{
				YMin: boxes.At(i * 4),
				XMin: boxes.At(i*4 + 1),
				YMax: boxes.At(i*4 + 2),
				XMax: boxes.At(i*4 + 3),
			},
		})
	}
	return candidates, nil
}

func (d *Decoder) yoloCandidates(outputs map[string]*tensor.Tensor) ([]candidate, error) {
	s := d.schema.Detection
	t, err := output(outputs, s.Output)
	if err != nil {
		return nil, err
	}
	if err := numeric(s.Output, t); err != nil {
		return nil, err
	}
	shape := squeeze(t.Shape, 2)
	if len(shape) != 2 || shape[0] < 5 {
		return nil, mismatch(s.Output, "output must be [1,4+C,N], got %s", t.Shape)
	}
	numClasses := int(shape[0]) - 4
	if len(d.schema.Labels) > 0 && len(d.schema.Labels) != numClasses {
		return nil, mismatch(s.Output, "output has %d classes, %d labels configured", numClasses, len(d.schema.Labels))
	}
	n := int(shape[1])
	w, h := float64(s.InputWidth), float64(s.InputHeight)

	var candidates []candidate
	for i := 0; i < n; i++ {
		class, score := 0, t.At(4*n+i)
		for j := 1; j < numClasses; j++ {
			if v := t.At((4+j)*n + i); v > score {
				class, score = j, v
			}
		}
		if score < s.ScoreThreshold {
			continue
		}
		cx, cy := t.At(i), t.At(n+i)
		bw, bh := t.At(2*n+i), t.At(3*n+i)
		candidates = append(candidates, candidate{
			index: i,
			class: class,
			score: score,
			box: Box{
				XMin: (cx - bw/2) / w,
				YMin: (cy - bh/2) / h,
				XMax: (cx + bw/2) / w,
				YMax: (cy + bh/2) / h,
			},
		})
	}
	return candidates, nil
}

// nonMaxSuppression greedily keeps the best candidates, dropping any that
// overlaps a kept one of the same class (any class when classAgnostic) by
// more than iouThreshold. Candidates are ranked by score; equal scores rank
// the larger box first, then the lower candidate index. maxDetections <= 0
// keeps every survivor.
func nonMaxSuppression(candidates []candidate, iouThreshold float64, classAgnostic bool, maxDetections int) []candidate {
	ranked := append([]candidate(nil), candidates...)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if areaA, areaB := a.box.Area(), b.box.Area(); areaA != areaB {
			return areaA > areaB
		}
		return a.index < b.index
	})
	var kept []candidate
	for _, c := range ranked {
		if maxDetections > 0 && len(kept) >= maxDetections {
			break
		}
		suppressed := false
		for _, k := range kept {
			if !classAgnostic && k.class != c.class {
				continue
			}
			if c.box.IoU(k.box) > iouThreshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, c)
		}
	}
	return kept
}
