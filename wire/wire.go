// Package wire defines the message published for every decoded frame and
// the codecs that put it on the network.
package wire

import (
	"fmt"
	"time"

	"inferbridge/decode"
)

// Message is self-contained: a consumer needs nothing else to interpret it.
// The list matching Kind is always encoded, even when empty.
type Message struct {
	Seq             uint64
	RequestID       string
	Timestamp       int64 // unix nanoseconds
	Kind            decode.Kind
	Classifications []decode.Class
	Detections      []decode.Object
	Keypoints       []decode.Keypoint
}

func FromResult(r *decode.Result) *Message {
	m := &Message{
		Seq:             r.Sequence,
		RequestID:       r.RequestID,
		Timestamp:       r.Timestamp.UnixNano(),
		Kind:            r.Kind,
		Classifications: r.Classifications,
		Detections:      r.Detections,
		Keypoints:       r.Keypoints,
	}
	m.normalize()
	return m
}

func (m *Message) ToResult() *decode.Result {
	m.normalize()
	return &decode.Result{
		Sequence:        m.Seq,
		RequestID:       m.RequestID,
		Timestamp:       time.Unix(0, m.Timestamp).UTC(),
		Kind:            m.Kind,
		Classifications: m.Classifications,
		Detections:      m.Detections,
		Keypoints:       m.Keypoints,
	}
}

// normalize gives the list matching Kind a non-nil value.
func (m *Message) normalize() {
	switch m.Kind {
	case decode.Classification:
		if m.Classifications == nil {
			m.Classifications = []decode.Class{}
		}
	case decode.Detection:
		if m.Detections == nil {
			m.Detections = []decode.Object{}
		}
	case decode.Keypoints:
		if m.Keypoints == nil {
			m.Keypoints = []decode.Keypoint{}
		}
	}
}

// envelope is the encoded layout. Nil list pointers are left out, so the
// list matching Kind survives being empty.
type envelope struct {
	Seq             uint64             `json:"seq" msgpack:"seq"`
	RequestID       string             `json:"request_id" msgpack:"request_id"`
	Timestamp       int64              `json:"timestamp" msgpack:"timestamp"`
	Kind            decode.Kind        `json:"kind" msgpack:"kind"`
	Classifications *[]decode.Class    `json:"classifications,omitempty" msgpack:"classifications,omitempty"`
	Detections      *[]decode.Object   `json:"detections,omitempty" msgpack:"detections,omitempty"`
	Keypoints       *[]decode.Keypoint `json:"keypoints,omitempty" msgpack:"keypoints,omitempty"`
}

func (m *Message) envelope() *envelope {
	m.normalize()
	e := &envelope{Seq: m.Seq, RequestID: m.RequestID, Timestamp: m.Timestamp, Kind: m.Kind}
	if m.Classifications != nil {
		e.Classifications = &m.Classifications
	}
	if m.Detections != nil {
		e.Detections = &m.Detections
	}
	if m.Keypoints != nil {
		e.Keypoints = &m.Keypoints
	}
	return e
}

func (e *envelope) message(m *Message) {
	*m = Message{Seq: e.Seq, RequestID: e.RequestID, Timestamp: e.Timestamp, Kind: e.Kind}
	if e.Classifications != nil {
		m.Classifications = *e.Classifications
	}
	if e.Detections != nil {
		m.Detections = *e.Detections
	}
	if e.Keypoints != nil {
		m.Keypoints = *e.Keypoints
	}
	m.normalize()
}

type Codec interface {
	Name() string
	// Binary reports whether encoded messages are binary rather than text.
	Binary() bool
	Marshal(m *Message) ([]byte, error)
	Unmarshal(data []byte, m *Message) error
}

var codecs = map[string]Codec{
	"json":    JSON{},
	"msgpack": MsgPack{},
}

// Lookup returns the codec registered under name.
func Lookup(name string) (Codec, error) {
	if c, ok := codecs[name]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("wire: unknown codec %q", name)
}
