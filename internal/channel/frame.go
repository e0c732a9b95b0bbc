package channel

import (
	"encoding/json"
	"errors"

	"github.com/tidwall/gjson"
)

var errBadFrame = errors.New("malformed frame")

// Frame is one message on the wire: a named event and its JSON payload.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the frame payload into v.
func (f Frame) Decode(v any) error {
	if len(f.Data) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(f.Data, v)
}

func encodeFrame(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}

func decodeFrame(data []byte) (Frame, error) {
	if !gjson.ValidBytes(data) {
		return Frame{}, errBadFrame
	}
	res := gjson.GetManyBytes(data, "event", "data")
	if res[0].Type != gjson.String || res[0].Str == "" {
		return Frame{}, errBadFrame
	}
	f := Frame{Event: res[0].Str}
	if res[1].Exists() {
		f.Data = json.RawMessage(res[1].Raw)
	}
	return f, nil
}

// LifecycleKind names a connection lifecycle event.
type LifecycleKind string

const (
	LifecycleConnect      LifecycleKind = "connect"
	LifecycleDisconnect   LifecycleKind = "disconnect"
	LifecycleConnectError LifecycleKind = "connect_error"
	LifecycleAuthFailed   LifecycleKind = "auth_failed"
)

// Lifecycle is delivered to the handler whenever the connection changes.
type Lifecycle struct {
	Kind LifecycleKind
	Err  error
}
