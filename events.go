package avatar

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"
)

type EventType string

// Streaming event types emitted by the vendor session.
const (
	EventTypeAvatarStartTalking       EventType = "avatar_start_talking"
	EventTypeAvatarStopTalking        EventType = "avatar_stop_talking"
	EventTypeAvatarTalkingMessage     EventType = "avatar_talking_message"
	EventTypeAvatarEndMessage         EventType = "avatar_end_message"
	EventTypeUserStart                EventType = "user_start"
	EventTypeUserStop                 EventType = "user_stop"
	EventTypeUserSilence              EventType = "user_silence"
	EventTypeUserTalkingMessage       EventType = "user_talking_message"
	EventTypeUserEndMessage           EventType = "user_end_message"
	EventTypeStreamReady              EventType = "stream_ready"
	EventTypeStreamDisconnected       EventType = "stream_disconnected"
	EventTypeConnectionQualityChanged EventType = "connection_quality_changed"
)

// Event is one message from the vendor event stream. Param holds the
// type-specific payload; the vendor sends it flattened next to "type".
type Event struct {
	EventId string
	Type    EventType
	Param   EventParam
}

type EventHandler func(event *Event)

type EventParam interface {
	New(map[string]any) error
	Json() map[string]any
}

func newParam(t EventType) (EventParam, error) {
	switch t {
	case EventTypeAvatarTalkingMessage, EventTypeUserTalkingMessage:
		return new(EventParamTalkingMessage), nil
	case EventTypeAvatarStartTalking, EventTypeAvatarStopTalking,
		EventTypeAvatarEndMessage, EventTypeUserEndMessage:
		return new(EventParamTask), nil
	case EventTypeUserStart, EventTypeUserStop, EventTypeUserSilence,
		EventTypeStreamDisconnected:
		return new(EventParamEmpty), nil
	case EventTypeStreamReady:
		return new(EventParamStreamReady), nil
	case EventTypeConnectionQualityChanged:
		return new(EventParamConnectionQuality), nil
	default:
		return nil, fmt.Errorf("unknown event type: %s", t)
	}
}

func (e *Event) fields() (map[string]any, error) {
	if e.Type == "" {
		return nil, errors.New("Type is empty")
	}
	if e.Param == nil {
		return nil, errors.New("Param is nil")
	}
	resp := map[string]any{}
	for k, v := range e.Param.Json() {
		resp[k] = v
	}
	if e.EventId != "" {
		resp["event_id"] = e.EventId
	}
	resp["type"] = string(e.Type)
	return resp, nil
}

func (e *Event) fromFields(raw map[string]any) error {
	if v, ok := raw["type"].(string); ok {
		e.Type = EventType(v)
		delete(raw, "type")
	} else {
		return errors.New("missing type")
	}
	// The vendor omits event ids on some locally raised events.
	if v, ok := raw["event_id"].(string); ok {
		e.EventId = v
		delete(raw, "event_id")
	}
	param, err := newParam(e.Type)
	if err != nil {
		return err
	}
	e.Param = param
	return e.Param.New(raw)
}

func (e *Event) MarshalJSON() ([]byte, error) {
	resp, err := e.fields()
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(resp)
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return err
	}
	return e.fromFields(raw)
}

func (e *Event) MarshalYAML() ([]byte, error) {
	resp, err := e.fields()
	if err != nil {
		return nil, err
	}
	return yaml.MarshalWithOptions(resp, yaml.UseJSONMarshaler())
}

func (e *Event) UnmarshalYAML(data []byte) error {
	var raw map[string]any
	if err := yaml.UnmarshalWithOptions(data, &raw, yaml.UseJSONUnmarshaler()); err != nil {
		return err
	}
	return e.fromFields(raw)
}

// avatar_talking_message, user_talking_message
type EventParamTalkingMessage struct {
	TaskId  string
	Message string
}

func (p *EventParamTalkingMessage) New(m map[string]any) error {
	if v, ok := m["message"].(string); ok {
		p.Message = v
	} else {
		return errors.New("missing message")
	}
	if v, ok := m["task_id"].(string); ok {
		p.TaskId = v
	}
	return nil
}

func (p *EventParamTalkingMessage) Json() map[string]any {
	return map[string]any{
		"task_id": p.TaskId,
		"message": p.Message,
	}
}

// avatar_start_talking, avatar_stop_talking, avatar_end_message, user_end_message
type EventParamTask struct {
	TaskId string
}

func (p *EventParamTask) New(m map[string]any) error {
	if v, ok := m["task_id"].(string); ok {
		p.TaskId = v
	}
	return nil
}

func (p *EventParamTask) Json() map[string]any {
	return map[string]any{
		"task_id": p.TaskId,
	}
}

// user_start, user_stop, user_silence, stream_disconnected
type EventParamEmpty struct{}

func (p *EventParamEmpty) New(map[string]any) error {
	return nil
}

func (p *EventParamEmpty) Json() map[string]any {
	return map[string]any{}
}

// stream_ready
type EventParamStreamReady struct {
	Stream *Stream
}

func (p *EventParamStreamReady) New(m map[string]any) error {
	obj, ok := m["stream"].(map[string]any)
	if !ok {
		return errors.New("missing stream")
	}
	s := new(Stream)
	if v, ok := obj["session_id"].(string); ok {
		s.SessionID = v
	} else {
		return errors.New("missing stream.session_id")
	}
	if v, ok := obj["url"].(string); ok {
		s.URL = v
	}
	if v, ok := obj["access_token"].(string); ok {
		s.AccessToken = v
	}
	if v, ok := obj["realtime_endpoint"].(string); ok {
		s.RealtimeEndpoint = v
	}
	p.Stream = s
	return nil
}

func (p *EventParamStreamReady) Json() map[string]any {
	if p.Stream == nil {
		return map[string]any{"stream": nil}
	}
	return map[string]any{
		"stream": map[string]any{
			"session_id":        p.Stream.SessionID,
			"url":               p.Stream.URL,
			"access_token":      p.Stream.AccessToken,
			"realtime_endpoint": p.Stream.RealtimeEndpoint,
		},
	}
}

// connection_quality_changed
type EventParamConnectionQuality struct {
	Quality ConnectionQuality
}

func (p *EventParamConnectionQuality) New(m map[string]any) error {
	if v, ok := m["quality"].(string); ok {
		p.Quality = ConnectionQuality(v)
	} else {
		return errors.New("missing quality")
	}
	return nil
}

func (p *EventParamConnectionQuality) Json() map[string]any {
	return map[string]any{
		"quality": string(p.Quality),
	}
}

type ConnectionQuality string

const (
	ConnectionQualityUnknown ConnectionQuality = "UNKNOWN"
	ConnectionQualityGood    ConnectionQuality = "GOOD"
	ConnectionQualityBad     ConnectionQuality = "BAD"
)
