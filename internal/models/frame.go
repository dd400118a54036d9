package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"
)

// FrameType tags a frame on the platform socket.
type FrameType string

const (
	FrameAuth         FrameType = "auth"
	FrameAuthResponse FrameType = "auth_response"
	FramePing         FrameType = "ping"
	FramePong         FrameType = "pong"
	FrameNotification FrameType = "notification"
	FrameDataUpdate   FrameType = "data_update"
	FrameError        FrameType = "error"
	FrameUnknown      FrameType = "unknown"
)

// AuthStatusSuccess is the auth_response status for an accepted token.
const AuthStatusSuccess = "success"

// KnownFrameType reports whether t is one of the tags the dashboard understands.
func KnownFrameType(t FrameType) bool {
	switch t {
	case FrameAuth, FrameAuthResponse, FramePing, FramePong, FrameNotification, FrameDataUpdate, FrameError:
		return true
	}
	return false
}

// Envelope is the JSON shape of every frame on the wire.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Token     string          `json:"token,omitempty"`
	Status    string          `json:"status,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// UnmarshalJSON decodes an envelope leniently. Only type has to be a string;
// error, status and token accept any JSON value and timestamp accepts epoch
// milliseconds or an RFC3339 string, so a well-formed frame is never refused
// over the shape of an advisory field.
func (e *Envelope) UnmarshalJSON(b []byte) error {
	var raw struct {
		Type      json.RawMessage `json:"type"`
		Data      json.RawMessage `json:"data"`
		Token     json.RawMessage `json:"token"`
		Status    json.RawMessage `json:"status"`
		Error     json.RawMessage `json:"error"`
		Timestamp json.RawMessage `json:"timestamp"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	var env Envelope
	if !isNull(raw.Type) {
		if err := json.Unmarshal(raw.Type, &env.Type); err != nil {
			return errors.New("type must be a string")
		}
	}
	if !isNull(raw.Data) {
		env.Data = raw.Data
	}
	env.Token = looseString(raw.Token)
	env.Status = looseString(raw.Status)
	env.Error = looseString(raw.Error)
	env.Timestamp = looseMillis(raw.Timestamp)
	*e = env
	return nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// looseString reads a string, the message of an object, or the compact text
// of any other value.
func looseString(raw json.RawMessage) string {
	if isNull(raw) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err == nil {
		for _, key := range []string{"message", "error", "reason", "detail"} {
			if v, ok := obj[key]; ok && !isNull(v) {
				return looseString(v)
			}
		}
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return strings.TrimSpace(string(raw))
	}
	return buf.String()
}

// looseMillis reads epoch milliseconds from a number, a numeric string or an
// RFC3339 string. Anything else reads as zero.
func looseMillis(raw json.RawMessage) int64 {
	if isNull(raw) {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return millisFromFloat(f)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0
	}
	s = strings.TrimSpace(s)
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return millisFromFloat(f)
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UnixMilli()
	}
	return 0
}

func millisFromFloat(f float64) int64 {
	if math.IsNaN(f) || math.IsInf(f, 0) || f >= math.MaxInt64 || f < math.MinInt64 {
		return 0
	}
	return int64(f)
}

// Frame is a classified inbound or outbound message.
type Frame struct {
	Type       FrameType
	RawType    string
	Envelope   Envelope
	ReceivedAt time.Time
}

// Payload returns the data field of the frame.
func (f Frame) Payload() json.RawMessage {
	return f.Envelope.Data
}

// NewAuthFrame builds the auth frame carrying the session token.
func NewAuthFrame(token string) Envelope {
	return Envelope{Type: string(FrameAuth), Token: token}
}

// NewPingFrame builds a keep-alive ping stamped with now in milliseconds.
func NewPingFrame(now time.Time) Envelope {
	return Envelope{Type: string(FramePing), Timestamp: now.UnixMilli()}
}

// NewPongFrame builds the reply to a ping.
func NewPongFrame(now time.Time) Envelope {
	return Envelope{Type: string(FramePong), Timestamp: now.UnixMilli()}
}

// NewDataFrame wraps a payload in a frame of the given type.
func NewDataFrame(t FrameType, payload interface{}) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: string(t), Data: data, Timestamp: time.Now().UnixMilli()}, nil
}
