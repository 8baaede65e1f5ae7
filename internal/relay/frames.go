package relay

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// Wire methods understood by the relay.
const (
	methodAuth         = "auth"
	methodDial         = "call.dial"
	methodStart        = "call.start"
	methodHangup       = "call.hangup"
	methodAnswer       = "call.answer"
	methodReject       = "call.reject"
	methodMute         = "call.mute"
	methodUpdateDevice = "call.update_device"

	eventIncoming = "call.incoming"
)

var (
	ErrClosed        = errors.New("relay connection closed")
	ErrBadFrame      = errors.New("malformed relay frame")
	ErrMissingCallID = errors.New("relay response without call_id")
)

// RPCError is an error returned by the relay for a request.
type RPCError struct {
	Method  string
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("relay %s failed (%d): %s", e.Method, e.Code, e.Message)
}

type request struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type response struct {
	result gjson.Result
	err    error
}

// inbound is a decoded server frame: either a response to a request (ID set)
// or an event (Event set).
type inbound struct {
	ID     string
	Result gjson.Result
	Err    *RPCError
	Event  string
	CallID string
	Params []byte
}

func decodeFrame(data []byte) (inbound, error) {
	if !gjson.ValidBytes(data) {
		return inbound{}, ErrBadFrame
	}
	root := gjson.ParseBytes(data)

	if ev := root.Get("event"); ev.Exists() {
		in := inbound{Event: ev.String(), CallID: root.Get("call_id").String()}
		if params := root.Get("params"); params.Exists() {
			in.Params = []byte(params.Raw)
		}
		return in, nil
	}

	id := root.Get("id")
	if !id.Exists() {
		return inbound{}, ErrBadFrame
	}
	in := inbound{ID: id.String(), Result: root.Get("result")}
	if e := root.Get("error"); e.Exists() {
		msg := e.Get("message").String()
		if msg == "" && e.Type == gjson.String {
			msg = e.Str
		}
		in.Err = &RPCError{Code: int(e.Get("code").Int()), Message: msg}
	}
	return in, nil
}

type dialRequest struct {
	Destination   string            `json:"destination"`
	Audio         bool              `json:"audio"`
	Video         bool              `json:"video"`
	UserVariables map[string]string `json:"user_variables,omitempty"`
	AudioCodecs   []string          `json:"audio_codecs,omitempty"`
	SpeakerID     string            `json:"speaker_id,omitempty"`
}

type callRequest struct {
	CallID string `json:"call_id"`
}

type muteRequest struct {
	CallID string `json:"call_id"`
	Target string `json:"target"`
	Muted  bool   `json:"muted"`
}

type deviceRequest struct {
	CallID   string `json:"call_id"`
	Kind     string `json:"kind"`
	DeviceID string `json:"device_id"`
}

func encodeRequest(id, method string, params any) ([]byte, error) {
	data, err := json.Marshal(request{ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}
	return data, nil
}
