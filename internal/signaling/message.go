package signaling

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/vmihailenco/msgpack/v5"
)

const jsonRpcVersion = "2.0"

var (
	ErrMalformedRequest = errors.New("malformed request")
	ErrUnknownMethod    = errors.New("unknown method")
	ErrInvalidParams    = errors.New("invalid params")
)

// Request is a decoded client message. Params stay encoded until a handler
// binds them to its own type.
type Request struct {
	ID     interface{}
	Method string

	params []byte
	codec  Codec
}

func (r *Request) HasParams() bool {
	return len(r.params) > 0 && !bytes.Equal(r.params, []byte("null")) && !(len(r.params) == 1 && r.params[0] == msgpackNil)
}

// Bind decodes params into v. Absent params leave v untouched.
func (r *Request) Bind(v interface{}) error {
	if !r.HasParams() {
		return nil
	}
	return r.codec.decodeParams(r.params, v)
}

type Response struct {
	Version string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result"`
}

type Notification struct {
	Version string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

func NewNotification(method string, params interface{}) *Notification {
	return &Notification{Version: jsonRpcVersion, Method: method, Params: params}
}

// Result is either a success payload or a failure, never both.
type Result struct {
	Data interface{}
	Err  error
}

type ErrorPayload struct {
	Error string `json:"error"`
}

func success(data interface{}) Result {
	if data == nil {
		data = struct{}{}
	}
	return Result{Data: data}
}

func failure(err error) Result {
	return Result{Err: err}
}

// Payload is what goes into the "result" field.
func (r Result) Payload() interface{} {
	if r.Err != nil {
		return ErrorPayload{Error: r.Err.Error()}
	}
	return r.Data
}

func (r Result) Response(id interface{}) *Response {
	return &Response{Version: jsonRpcVersion, ID: id, Result: r.Payload()}
}

const msgpackNil = 0xc0

// Codec encodes one websocket frame type.
type Codec interface {
	Name() string
	Binary() bool
	Marshal(v interface{}) ([]byte, error)
	DecodeRequest(data []byte) (*Request, error)
	decodeParams(data []byte, v interface{}) error
}

var (
	JSON    Codec = jsonCodec{}
	Msgpack Codec = msgpackCodec{}
)

type jsonEnvelope struct {
	Version string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }
func (jsonCodec) Binary() bool { return false }

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (c jsonCodec) DecodeRequest(data []byte) (*Request, error) {
	envelope := &jsonEnvelope{}

	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	if err := decoder.Decode(envelope); err != nil {
		return nil, ErrMalformedRequest
	}
	if envelope.Method == "" {
		return nil, ErrMalformedRequest
	}

	return &Request{ID: envelope.ID, Method: envelope.Method, params: envelope.Params, codec: c}, nil
}

func (jsonCodec) decodeParams(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

type msgpackEnvelope struct {
	Version string             `json:"jsonrpc"`
	ID      interface{}        `json:"id"`
	Method  string             `json:"method"`
	Params  msgpack.RawMessage `json:"params"`
}

// msgpackCodec uses the json struct tags so both frame types carry the same
// field names.
type msgpackCodec struct{}

func (msgpackCodec) Name() string { return "msgpack" }
func (msgpackCodec) Binary() bool { return true }

func (msgpackCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer

	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c msgpackCodec) DecodeRequest(data []byte) (*Request, error) {
	envelope := &msgpackEnvelope{}
	if err := c.decodeParams(data, envelope); err != nil {
		return nil, ErrMalformedRequest
	}
	if envelope.Method == "" {
		return nil, ErrMalformedRequest
	}

	return &Request{ID: envelope.ID, Method: envelope.Method, params: envelope.Params, codec: c}, nil
}

func (msgpackCodec) decodeParams(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}
