package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

var (
	ErrMalformedMessage   = errors.New("malformed message")
	ErrUnknownCommandKind = errors.New("unknown command kind")
)

// Encode serializes m as a bare string for body-less kinds and as a
// single-key tagged object otherwise.
func Encode(m Message) ([]byte, error) {
	var p payload
	switch m.Kind {
	case KindHello, KindGetState:
		return json.Marshal(string(m.Kind))
	case KindSeek, KindPlay, KindPause:
		p.Time = &m.Time
		if m.Origin != 0 {
			p.UID = &m.Origin
		}
	case KindSendState, KindFullState:
		p.Time = &m.Time
		p.Playing = &m.Playing
	case KindWelcome:
		if m.Origin == 0 {
			return nil, fmt.Errorf("%w: welcome without uid", ErrMalformedMessage)
		}
		p.UID = &m.Origin
	case KindError:
		if m.Error != nil {
			p.Code = m.Error.Code
			p.Message = m.Error.Message
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommandKind, m.Kind)
	}
	return json.Marshal(map[string]payload{string(m.Kind): p})
}

// Decode parses one frame. Unparseable input yields ErrMalformedMessage and a
// well-formed frame with an unrecognised tag yields ErrUnknownCommandKind.
func Decode(data []byte) (Message, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Message{}, fmt.Errorf("%w: empty frame", ErrMalformedMessage)
	}

	switch data[0] {
	case '"':
		var tag string
		if err := json.Unmarshal(data, &tag); err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		return decodeBare(Kind(tag))
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(data, &obj); err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		if len(obj) != 1 {
			return Message{}, fmt.Errorf("%w: expected exactly one tag, got %d", ErrMalformedMessage, len(obj))
		}
		for tag, body := range obj {
			return decodeTagged(Kind(tag), body)
		}
	}
	return Message{}, fmt.Errorf("%w: not a string or object", ErrMalformedMessage)
}

func decodeBare(kind Kind) (Message, error) {
	switch kind {
	case KindHello, KindGetState:
		return Message{Kind: kind}, nil
	case KindSeek, KindPlay, KindPause, KindSendState, KindWelcome, KindFullState, KindError:
		return Message{}, fmt.Errorf("%w: %s needs a body", ErrMalformedMessage, kind)
	}
	return Message{}, fmt.Errorf("%w: %q", ErrUnknownCommandKind, kind)
}

func decodeTagged(kind Kind, body json.RawMessage) (Message, error) {
	switch kind {
	case KindHello, KindGetState:
		return Message{Kind: kind}, nil
	case KindSeek, KindPlay, KindPause, KindSendState, KindWelcome, KindFullState, KindError:
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownCommandKind, kind)
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Message{}, fmt.Errorf("%w: %s body: %v", ErrMalformedMessage, kind, err)
	}

	m := Message{Kind: kind}
	switch kind {
	case KindSeek, KindPlay, KindPause:
		t, err := position(kind, p.Time)
		if err != nil {
			return Message{}, err
		}
		m.Time = t
		if p.UID != nil {
			m.Origin = *p.UID
		}
	case KindSendState, KindFullState:
		t, err := position(kind, p.Time)
		if err != nil {
			return Message{}, err
		}
		if p.Playing == nil {
			return Message{}, fmt.Errorf("%w: %s without playing flag", ErrMalformedMessage, kind)
		}
		m.Time = t
		m.Playing = *p.Playing
	case KindWelcome:
		if p.UID == nil || *p.UID == 0 {
			return Message{}, fmt.Errorf("%w: welcome without uid", ErrMalformedMessage)
		}
		m.Origin = *p.UID
	case KindError:
		m.Error = &ErrorPayload{Code: p.Code, Message: p.Message}
	}
	return m, nil
}

func position(kind Kind, t *float64) (float64, error) {
	if t == nil {
		return 0, fmt.Errorf("%w: %s without time", ErrMalformedMessage, kind)
	}
	if *t < 0 || math.IsNaN(*t) || math.IsInf(*t, 0) {
		return 0, fmt.Errorf("%w: %s time %v out of range", ErrMalformedMessage, kind, *t)
	}
	return *t, nil
}
