package subscriptions

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// EventType discrimina o conteúdo do envelope
type EventType string

const (
	EventSubscribe    EventType = "subscribe"
	EventUnsubscribe  EventType = "unsubscribe"
	EventSubscribed   EventType = "subscribed"
	EventUnsubscribed EventType = "unsubscribed"
	EventQuote        EventType = "quote"
	EventPing         EventType = "ping"
	EventPong         EventType = "pong"
	EventError        EventType = "error"
	EventUnknown      EventType = "unknown_event"
)

var ErrMissingType = errors.New("event type is required")

const (
	fieldType    = "type"
	fieldPayload = "payload"
	fieldFrom    = "from"
	fieldTime    = "time"
)

// WsEvent é o envelope genérico trocado no WebSocket e no tópico de controle
// Campos de topo desconhecidos ficam em Extra e voltam intactos na reserialização
type WsEvent[T any] struct {
	Type    EventType
	Payload T
	From    string
	Time    time.Time
	Extra   map[string]json.RawMessage
}

// Event carrega o payload cru; usado para roteamento antes de conhecer o tipo
type Event = WsEvent[json.RawMessage]

type (
	SubscribeEvent         = WsEvent[SubscribePayload]
	UnsubscribeEvent       = WsEvent[UnsubscribePayload]
	SubscribeResponseEvent = WsEvent[SubscribeResponse]
	ErrorEvent             = WsEvent[ErrorPayload]
)

// ErrorPayload é enviado ao cliente em eventos error e unknown_event
type ErrorPayload struct {
	Message string    `json:"message"`
	Type    EventType `json:"type,omitempty"`
}

// NewEvent monta um envelope com horário UTC
func NewEvent[T any](typ EventType, payload T) WsEvent[T] {
	return WsEvent[T]{Type: typ, Payload: payload, Time: time.Now().UTC()}
}

func (e WsEvent[T]) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(e.Extra)+4)
	for k, v := range e.Extra {
		out[k] = v
	}

	typ, err := json.Marshal(e.Type)
	if err != nil {
		return nil, err
	}
	out[fieldType] = typ

	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}
	out[fieldPayload] = payload

	if e.From != "" {
		from, err := json.Marshal(e.From)
		if err != nil {
			return nil, err
		}
		out[fieldFrom] = from
	}
	if !e.Time.IsZero() {
		ts, err := json.Marshal(e.Time)
		if err != nil {
			return nil, err
		}
		out[fieldTime] = ts
	}
	return json.Marshal(out)
}

func (e *WsEvent[T]) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	var out WsEvent[T]
	typ, ok := raw[fieldType]
	if !ok {
		return ErrMissingType
	}
	if err := json.Unmarshal(typ, &out.Type); err != nil {
		return fmt.Errorf("type: %w", err)
	}
	if out.Type == "" {
		return ErrMissingType
	}
	delete(raw, fieldType)

	if p, ok := raw[fieldPayload]; ok {
		if err := json.Unmarshal(p, &out.Payload); err != nil {
			return fmt.Errorf("payload: %w", err)
		}
		delete(raw, fieldPayload)
	}
	if f, ok := raw[fieldFrom]; ok {
		if err := json.Unmarshal(f, &out.From); err != nil {
			return fmt.Errorf("from: %w", err)
		}
		delete(raw, fieldFrom)
	}
	if t, ok := raw[fieldTime]; ok {
		if err := json.Unmarshal(t, &out.Time); err != nil {
			return fmt.Errorf("time: %w", err)
		}
		delete(raw, fieldTime)
	}

	if len(raw) > 0 {
		out.Extra = raw
	}
	*e = out
	return nil
}

// validator é implementado pelos payloads que têm invariantes de wire
type validator interface {
	Validate() error
}

// DecodeEvent decodifica um envelope e valida o payload quando suportado
func DecodeEvent[T any](data []byte) (WsEvent[T], error) {
	var ev WsEvent[T]
	if err := json.Unmarshal(data, &ev); err != nil {
		return WsEvent[T]{}, err
	}
	if v, ok := any(ev.Payload).(validator); ok {
		if err := v.Validate(); err != nil {
			return WsEvent[T]{}, err
		}
	}
	return ev, nil
}

// DecodePayload reinterpreta o payload cru de um Event roteado
func DecodePayload[T any](ev Event) (T, error) {
	var out T
	if len(ev.Payload) == 0 || string(ev.Payload) == "null" {
		if v, ok := any(out).(validator); ok {
			return out, v.Validate()
		}
		return out, nil
	}
	if err := json.Unmarshal(ev.Payload, &out); err != nil {
		return out, fmt.Errorf("payload: %w", err)
	}
	if v, ok := any(out).(validator); ok {
		if err := v.Validate(); err != nil {
			return out, err
		}
	}
	return out, nil
}

// EncodeEvent serializa o envelope; falha se o payload violar o conjunto de classes
func EncodeEvent[T any](ev WsEvent[T]) ([]byte, error) {
	return json.Marshal(ev)
}
