package protocol

import (
	"encoding/json"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Codec frames messages for a transport.
type Codec interface {
	// Name identifies the codec in logs ("json", "cbor").
	Name() string
	Marshal(msg *Message) ([]byte, error)
	// Unmarshal returns a *DecodeError for malformed frames.
	Unmarshal(data []byte) (*Message, error)
}

// JSONCodec frames messages as JSON text.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(msg *Message) ([]byte, error) {
	return json.Marshal(msg)
}

func (JSONCodec) Unmarshal(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &DecodeError{Reason: "malformed frame", Err: err}
	}
	return checkEnvelope(&msg)
}

// cborEnc uses Core Deterministic Encoding so equal messages produce equal
// bytes.
var cborEnc cbor.EncMode

// cborDec decodes untyped maps as map[string]any so the result can be
// re-marshaled as JSON.
var cborDec cbor.DecMode

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// CBORCodec frames messages as CBOR. The envelope has the same shape as the
// JSON form; content is transcoded through its generic representation.
type CBORCodec struct{}

func (CBORCodec) Name() string { return "cbor" }

func (CBORCodec) Marshal(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, err
	}
	return cborEnc.Marshal(generic)
}

func (CBORCodec) Unmarshal(data []byte) (*Message, error) {
	var generic any
	if err := cborDec.Unmarshal(data, &generic); err != nil {
		return nil, &DecodeError{Reason: "malformed frame", Err: err}
	}
	if _, ok := generic.(map[string]any); !ok {
		return nil, &DecodeError{Reason: "frame is not a map"}
	}
	js, err := json.Marshal(generic)
	if err != nil {
		return nil, &DecodeError{Reason: "frame cannot be represented as JSON", Err: err}
	}
	var msg Message
	if err := json.Unmarshal(js, &msg); err != nil {
		return nil, &DecodeError{Reason: "malformed frame", Err: err}
	}
	return checkEnvelope(&msg)
}

// checkEnvelope rejects frames without a type and assigns an id to frames
// that arrived without one.
func checkEnvelope(msg *Message) (*Message, error) {
	if msg.Type == "" {
		return nil, &DecodeError{MessageID: msg.ID, Reason: "type is required"}
	}
	if msg.ID == "" {
		msg.ID = NewID()
	}
	return msg, nil
}
