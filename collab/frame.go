package collab

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// gateway frames are protobuf wire encoded:
//
//	message Frame {
//	    FrameKind kind = 1;
//	    bytes id = 2;
//	    string subject = 3;
//	    string channel = 4;
//	    bytes payload = 5;
//	    string error = 6;
//	}
//
// a zero length message is a ping

type FrameKind int32

const (
	FrameKindUnknown FrameKind = 0
	// payload is the token. the gateway echoes the frame when accepted
	FrameKindAuth         FrameKind = 1
	FrameKindPublish      FrameKind = 2
	FrameKindPublishAck   FrameKind = 3
	FrameKindPublishError FrameKind = 4
	// opens the durable consumer of a channel
	FrameKindSubscribe FrameKind = 5
	FrameKindDeliver   FrameKind = 6
	FrameKindAck       FrameKind = 7
)

func (self FrameKind) String() string {
	switch self {
	case FrameKindAuth:
		return "auth"
	case FrameKindPublish:
		return "publish"
	case FrameKindPublishAck:
		return "publishAck"
	case FrameKindPublishError:
		return "publishError"
	case FrameKindSubscribe:
		return "subscribe"
	case FrameKindDeliver:
		return "deliver"
	case FrameKindAck:
		return "ack"
	default:
		return fmt.Sprintf("unknown(%d)", int32(self))
	}
}

const (
	frameFieldKind    protowire.Number = 1
	frameFieldId      protowire.Number = 2
	frameFieldSubject protowire.Number = 3
	frameFieldChannel protowire.Number = 4
	frameFieldPayload protowire.Number = 5
	frameFieldError   protowire.Number = 6
)

// error codes carried by publish errors
const (
	FrameErrorTimeout      = "timeout"
	FrameErrorNoResponders = "no_responders"
	FrameErrorUnauthorized = "unauthorized"
)

type Frame struct {
	Kind    FrameKind
	Id      Id
	Subject string
	Channel Channel
	Payload []byte
	Error   string
}

func EncodeFrame(frame *Frame) []byte {
	var b []byte
	b = protowire.AppendTag(b, frameFieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(frame.Kind))
	if frame.Id != (Id{}) {
		b = protowire.AppendTag(b, frameFieldId, protowire.BytesType)
		b = protowire.AppendBytes(b, frame.Id.Bytes())
	}
	if frame.Subject != "" {
		b = protowire.AppendTag(b, frameFieldSubject, protowire.BytesType)
		b = protowire.AppendString(b, frame.Subject)
	}
	if frame.Channel != "" {
		b = protowire.AppendTag(b, frameFieldChannel, protowire.BytesType)
		b = protowire.AppendString(b, string(frame.Channel))
	}
	if 0 < len(frame.Payload) {
		b = protowire.AppendTag(b, frameFieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, frame.Payload)
	}
	if frame.Error != "" {
		b = protowire.AppendTag(b, frameFieldError, protowire.BytesType)
		b = protowire.AppendString(b, frame.Error)
	}
	return b
}

// unknown fields are skipped
func DecodeFrame(b []byte) (*Frame, error) {
	if len(b) == 0 {
		return nil, errors.New("Empty frame.")
	}
	frame := &Frame{}
	for 0 < len(b) {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == frameFieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			frame.Kind = FrameKind(v)
			b = b[n:]
		case num == frameFieldId && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			id, err := IdFromBytes(v)
			if err != nil {
				return nil, err
			}
			frame.Id = id
			b = b[n:]
		case num == frameFieldSubject && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			frame.Subject = v
			b = b[n:]
		case num == frameFieldChannel && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			frame.Channel = Channel(v)
			b = b[n:]
		case num == frameFieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			frame.Payload = append([]byte(nil), v...)
			b = b[n:]
		case num == frameFieldError && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			frame.Error = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	if frame.Kind == FrameKindUnknown {
		return nil, errors.New("Frame missing kind.")
	}
	return frame, nil
}

// the broker error for a gateway publish error
func frameError(code string) error {
	switch code {
	case FrameErrorTimeout:
		return ErrBrokerTimeout
	case FrameErrorNoResponders:
		return ErrBrokerNoResponders
	case FrameErrorUnauthorized:
		return ErrBrokerAuthRejected
	default:
		return fmt.Errorf("Gateway error: %s", code)
	}
}
