// Package codec encodes websocket frames. Clients pick the encoding by
// websocket subprotocol: relayboard.json for text frames, relayboard.cbor
// for binary frames.
package codec

import (
	"encoding/json"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

const (
	SubprotocolJSON = "relayboard.json"
	SubprotocolCBOR = "relayboard.cbor"
)

type Codec interface {
	Subprotocol() string
	// Binary reports whether frames go out as websocket binary messages.
	Binary() bool
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

var (
	JSON Codec = jsonCodec{}
	CBOR Codec = cborCodec{}
)

// Subprotocols lists the supported subprotocols in server preference order.
func Subprotocols() []string {
	return []string{SubprotocolJSON, SubprotocolCBOR}
}

// ForSubprotocol resolves a negotiated subprotocol. An empty name selects
// JSON so that plain websocket clients keep working.
func ForSubprotocol(name string) (Codec, bool) {
	switch name {
	case "", SubprotocolJSON:
		return JSON, true
	case SubprotocolCBOR:
		return CBOR, true
	default:
		return nil, false
	}
}

// Transcode re-encodes a generically decoded value (for example a payload
// decoded into any) into the typed value out.
func Transcode(c Codec, in any, out any) error {
	data, err := c.Marshal(in)
	if err != nil {
		return err
	}
	return c.Unmarshal(data, out)
}

type jsonCodec struct{}

func (jsonCodec) Subprotocol() string                { return SubprotocolJSON }
func (jsonCodec) Binary() bool                       { return false }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	var err error
	cborEnc, err = encOptions.EncMode()
	if err != nil {
		panic("codec: cbor encoder: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("codec: cbor decoder: " + err.Error())
	}
}

type cborCodec struct{}

func (cborCodec) Subprotocol() string                { return SubprotocolCBOR }
func (cborCodec) Binary() bool                       { return true }
func (cborCodec) Marshal(v any) ([]byte, error)      { return cborEnc.Marshal(v) }
func (cborCodec) Unmarshal(data []byte, v any) error { return cborDec.Unmarshal(data, v) }
