package decode

import "inferbridge/tensor"

// keypoints reads a [1,1,K,3] or [K,3] tensor of y, x, score rows.
func (d *Decoder) keypoints(outputs map[string]*tensor.Tensor) ([]Keypoint, error) {
	s := d.schema.Keypoints
	t, err := output(outputs, s.Tensor)
	if err != nil {
		return nil, err
	}
	if err := numeric(s.Tensor, t); err != nil {
		return nil, err
	}
	shape := squeeze(t.Shape, 2)
	if len(shape) != 2 || shape[1] != 3 {
		return nil, mismatch(s.Tensor, "keypoints must be [K,3], got %s", t.Shape)
	}
	n := int(shape[0])
	if len(s.Names) > 0 && len(s.Names) != n {
		return nil, mismatch(s.Tensor, "output has %d keypoints, %d names configured", n, len(s.Names))
	}

	var points []Keypoint
	for i := 0; i < n; i++ {
		score := t.At(i*3 + 2)
		if score < s.MinScore {
			continue
		}
		p := Keypoint{Index: i, Y: t.At(i * 3), X: t.At(i*3 + 1), Score: score}
		if len(s.Names) > 0 {
			p.Name = s.Names[i]
		}
		points = append(points, p)
	}
	return points, nil
}
