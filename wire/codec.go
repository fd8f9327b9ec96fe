package wire

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/vmihailenco/msgpack/v5"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type JSON struct{}

func (JSON) Name() string { return "json" }

func (JSON) Binary() bool { return false }

func (JSON) Marshal(m *Message) ([]byte, error) {
	return json.Marshal(m.envelope())
}

func (JSON) Unmarshal(data []byte, m *Message) error {
	var e envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return err
	}
	e.message(m)
	return nil
}

type MsgPack struct{}

func (MsgPack) Name() string { return "msgpack" }

func (MsgPack) Binary() bool { return true }

func (MsgPack) Marshal(m *Message) ([]byte, error) {
	return msgpack.Marshal(m.envelope())
}

func (MsgPack) Unmarshal(data []byte, m *Message) error {
	var e envelope
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return err
	}
	e.message(m)
	return nil
}
