package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"crosstown/internal/domain"
)

const (
	CommandEvent = "EVENT"
	CommandReq   = "REQ"
	CommandClose = "CLOSE"

	ResponseOK     = "OK"
	ResponseNotice = "NOTICE"
	ResponseEOSE   = "EOSE"
)

// RateLimitNotice is sent when an EVENT exceeds the connection's window.
const RateLimitNotice = "Rate limit exceeded. Max 100 events per 60 seconds."

var (
	ErrNotArray      = errors.New("frame is not a json array")
	ErrEmptyFrame    = errors.New("empty frame")
	ErrNoCommand     = errors.New("frame has no command")
	ErrMissingField  = errors.New("event field missing")
	ErrNotSubID      = errors.New("subscription id must be a string")
	ErrMissingSubID  = errors.New("subscription id missing")
	ErrMissingObject = errors.New("event object missing")
)

// Frame is one inbound client message: a command followed by its arguments.
type Frame struct {
	Command string
	Args    []json.RawMessage
}

func ParseFrame(payload []byte) (Frame, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(payload, &elems); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrNotArray, err)
	}
	if len(elems) == 0 {
		return Frame{}, ErrEmptyFrame
	}
	cmd, ok := jsonString(elems[0])
	if !ok {
		return Frame{}, ErrNoCommand
	}
	return Frame{Command: cmd, Args: elems[1:]}, nil
}

// jsonString decodes raw only when it is a JSON string literal; null and
// other types are rejected.
func jsonString(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// eventFields lists the EVENT object keys in the order they are checked.
var eventFields = []string{"id", "pubkey", "kind", "content", "created_at", "tags", "sig"}

// DecodeEvent decodes an EVENT object. All seven fields are required, keys
// match case-sensitively, and extra fields are ignored.
func DecodeEvent(raw json.RawMessage) (domain.Event, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return domain.Event{}, fmt.Errorf("decode event: %w", err)
	}
	for _, name := range eventFields {
		if v, ok := fields[name]; !ok || isNull(v) {
			return domain.Event{}, fmt.Errorf("%w: %s", ErrMissingField, name)
		}
	}
	var evt domain.Event
	targets := []any{&evt.ID, &evt.Pubkey, &evt.Kind, &evt.Content, &evt.CreatedAt, &evt.Tags, &evt.Sig}
	for i, name := range eventFields {
		if err := json.Unmarshal(fields[name], targets[i]); err != nil {
			return domain.Event{}, fmt.Errorf("decode event %s: %w", name, err)
		}
	}
	return evt, nil
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}

// SubscriptionID returns the first frame argument as a subscription id.
func (f Frame) SubscriptionID() (string, error) {
	if len(f.Args) == 0 {
		return "", ErrMissingSubID
	}
	id, ok := jsonString(f.Args[0])
	if !ok {
		return "", ErrNotSubID
	}
	return id, nil
}

// Event decodes the first frame argument as an event object.
func (f Frame) Event() (domain.Event, error) {
	if len(f.Args) == 0 {
		return domain.Event{}, ErrMissingObject
	}
	return DecodeEvent(f.Args[0])
}

func OKResponse(eventID string) []byte { return encode(ResponseOK, eventID, true, "") }

func NoticeResponse(msg string) []byte { return encode(ResponseNotice, msg) }

func EOSEResponse(subID string) []byte { return encode(ResponseEOSE, subID) }

// encode marshals a response array. Responses hold only strings and bools,
// which always marshal.
func encode(elems ...any) []byte {
	b, _ := json.Marshal(elems)
	return b
}
