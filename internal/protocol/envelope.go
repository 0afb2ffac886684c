package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Envelope is one sequenced wire message: frame header plus a decoded
// payload matching the header's message type.
type Envelope struct {
	Sequence uint64
	Payload  Message
}

func (e Envelope) MessageType() MessageType {
	if e.Payload == nil {
		return 0
	}
	return e.Payload.Type()
}

// EncodeEnvelope validates the payload and returns the framed bytes.
func EncodeEnvelope(sequence uint64, msg Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrInvalidMessage)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	err = WriteFrame(&buf, Frame{
		Header: Header{
			Sequence:    sequence,
			MessageType: uint32(msg.Type()),
		},
		Payload: payload,
	}, DefaultLimits())
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeEnvelope parses a frame payload into its typed message.
func DecodeEnvelope(f Frame) (Envelope, error) {
	msg, err := emptyMessage(MessageType(f.Header.MessageType))
	if err != nil {
		return Envelope{}, err
	}
	if err := json.Unmarshal(f.Payload, msg); err != nil {
		return Envelope{}, fmt.Errorf("%w: %s payload: %v", ErrInvalidMessage, MessageType(f.Header.MessageType), err)
	}
	decoded := deref(msg)
	if err := decoded.Validate(); err != nil {
		return Envelope{}, err
	}
	return Envelope{Sequence: f.Header.Sequence, Payload: decoded}, nil
}

// ReadEnvelope reads and decodes one framed message from the stream.
func ReadEnvelope(r io.Reader, limits Limits) (Envelope, error) {
	f, err := ReadFrame(r, limits)
	if err != nil {
		return Envelope{}, err
	}
	return DecodeEnvelope(f)
}

func emptyMessage(t MessageType) (Message, error) {
	switch t {
	case MsgAuth:
		return &Auth{}, nil
	case MsgAuthAccept:
		return &AuthAccept{}, nil
	case MsgAuthReject:
		return &AuthReject{}, nil
	case MsgRunWorkflow:
		return &RunWorkflow{}, nil
	case MsgCancel:
		return &CancelRun{}, nil
	case MsgStepUpdate:
		return &StepUpdate{}, nil
	case MsgRunUpdate:
		return &RunUpdate{}, nil
	case MsgHeartbeat:
		return &Heartbeat{}, nil
	case MsgAck:
		return &Ack{}, nil
	case MsgAvailability:
		return &Availability{}, nil
	case MsgDisconnect:
		return &Disconnect{}, nil
	case MsgConfigUpdate:
		return &ConfigUpdate{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown message type %d", ErrInvalidMessage, uint32(t))
	}
}

func deref(msg Message) Message {
	switch m := msg.(type) {
	case *Auth:
		return *m
	case *AuthAccept:
		return *m
	case *AuthReject:
		return *m
	case *RunWorkflow:
		return *m
	case *CancelRun:
		return *m
	case *StepUpdate:
		return *m
	case *RunUpdate:
		return *m
	case *Heartbeat:
		return *m
	case *Ack:
		return *m
	case *Availability:
		return *m
	case *Disconnect:
		return *m
	case *ConfigUpdate:
		return *m
	default:
		return msg
	}
}
