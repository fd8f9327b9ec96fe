package decode

import (
	"fmt"
	"os"
	"strings"
)

type Kind string

const (
	Classification Kind = "classification"
	Detection      Kind = "detection"
	Keypoints      Kind = "keypoints"
)

type Activation string

const (
	NoActivation Activation = "none"
	Softmax      Activation = "softmax"
	Sigmoid      Activation = "sigmoid"
)

type Layout string

const (
	// SSD outputs boxes [1,N,4] as ymin,xmin,ymax,xmax in [0,1], scores
	// [1,N] with classes [1,N] or scores [1,N,C], and an optional count.
	SSD Layout = "ssd"
	// YOLO outputs a single [1,4+C,N] tensor: cx,cy,w,h in input pixels
	// followed by one score row per class.
	YOLO Layout = "yolo"
)

type ClassificationSchema struct {
	Scores         string     `json:"scores" yaml:"scores"`
	Activation     Activation `json:"activation" yaml:"activation"`
	TopK           int        `json:"top_k" yaml:"top_k"`
	MinScore       float64    `json:"min_score" yaml:"min_score"`
	QuantScale     float64    `json:"quant_scale" yaml:"quant_scale"`
	QuantZeroPoint float64    `json:"quant_zero_point" yaml:"quant_zero_point"`
}

type DetectionSchema struct {
	Layout         Layout  `json:"layout" yaml:"layout"`
	Boxes          string  `json:"boxes" yaml:"boxes"`
	Scores         string  `json:"scores" yaml:"scores"`
	Classes        string  `json:"classes" yaml:"classes"`
	Count          string  `json:"count" yaml:"count"`
	Output         string  `json:"output" yaml:"output"`
	ScoreThreshold float64 `json:"score_threshold" yaml:"score_threshold"`
	IoUThreshold   float64 `json:"iou_threshold" yaml:"iou_threshold"`
	MaxDetections  int     `json:"max_detections" yaml:"max_detections"`
	ClassAgnostic  bool    `json:"class_agnostic" yaml:"class_agnostic"`
	// Input size the YOLO box coordinates are relative to.
	InputWidth  int `json:"-" yaml:"-"`
	InputHeight int `json:"-" yaml:"-"`
}

type KeypointSchema struct {
	Tensor   string   `json:"tensor" yaml:"tensor"`
	Names    []string `json:"names" yaml:"names"`
	MinScore float64  `json:"min_score" yaml:"min_score"`
}

// Schema tells the decoder how to read the raw outputs of a model.
type Schema struct {
	Kind           Kind
	Labels         []string
	Classification ClassificationSchema
	Detection      DetectionSchema
	Keypoints      KeypointSchema
}

func (s Schema) Validate() error {
	inUnit := func(name string, v float64) error {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be within [0, 1], got %g", name, v)
		}
		return nil
	}
	switch s.Kind {
	case Classification:
		switch s.Classification.Activation {
		case "", NoActivation, Softmax, Sigmoid:
		default:
			return fmt.Errorf("unknown activation %q", s.Classification.Activation)
		}
		if s.Classification.TopK < 0 {
			return fmt.Errorf("top_k must not be negative")
		}
		if s.Classification.QuantScale < 0 {
			return fmt.Errorf("quant_scale must not be negative")
		}
	case Detection:
		d := s.Detection
		switch d.Layout {
		case "", SSD:
		case YOLO:
			if d.InputWidth <= 0 || d.InputHeight <= 0 {
				return fmt.Errorf("yolo layout needs the model input size")
			}
		default:
			return fmt.Errorf("unknown detection layout %q", d.Layout)
		}
		if err := inUnit("score_threshold", d.ScoreThreshold); err != nil {
			return err
		}
		if err := inUnit("iou_threshold", d.IoUThreshold); err != nil {
			return err
		}
		if d.MaxDetections < 0 {
			return fmt.Errorf("max_detections must not be negative")
		}
	case Keypoints:
		if err := inUnit("min_score", s.Keypoints.MinScore); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown output kind %q", s.Kind)
	}
	return nil
}

// LoadLabels reads one label per line.
func LoadLabels(path string) ([]string, error) {
	labelsRaw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read model labels: %w", err)
	}
	labels := strings.Split(string(labelsRaw), "\n")
	for i := range labels {
		labels[i] = strings.Trim(labels[i], "\r")
	}
	for len(labels) > 0 && labels[len(labels)-1] == "" {
		labels = labels[:len(labels)-1]
	}
	return labels, nil
}

func (s Schema) label(class int) string {
	if class >= 0 && class < len(s.Labels) {
		return s.Labels[class]
	}
	return fmt.Sprint(class)
}
