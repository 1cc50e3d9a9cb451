package session

import (
	"fmt"
	"io"

	"github.com/danmuck/watchbridge/internal/payload"
	"github.com/danmuck/watchbridge/internal/protocol/frame"
	"github.com/danmuck/watchbridge/internal/protocol/schema"
	"github.com/danmuck/watchbridge/internal/protocol/tlv"
)

// Envelope is the decoded form of any framed session message. Which fields
// are meaningful depends on Type; see schema for the required set.
type Envelope struct {
	Type         uint32
	MessageID    uint64
	RequestID    uint64
	Seq          uint64
	Payload      payload.Map
	ErrorCode    uint32
	ErrorMessage string
	TimestampMS  uint64
	SenderID     string
}

func (e Envelope) fields() ([]tlv.Field, error) {
	fields := make([]tlv.Field, 0, 4)
	switch e.Type {
	case schema.MsgMessage, schema.MsgRequest, schema.MsgReply, schema.MsgContext, schema.MsgTransfer:
		b, err := payload.Encode(e.Payload)
		if err != nil {
			return nil, err
		}
		fields = append(fields, tlv.Field{ID: schema.FieldPayload, Type: tlv.TypeMap, Value: b})
	}
	switch e.Type {
	case schema.MsgRequest, schema.MsgReply, schema.MsgReplyError:
		fields = append(fields, tlv.Field{ID: schema.FieldRequestID, Type: tlv.TypeU64, Value: tlv.PutU64(e.RequestID)})
	case schema.MsgTransfer, schema.MsgTransferAck:
		fields = append(fields, tlv.Field{ID: schema.FieldSeq, Type: tlv.TypeU64, Value: tlv.PutU64(e.Seq)})
	}
	if e.Type == schema.MsgReplyError {
		fields = append(fields,
			tlv.Field{ID: schema.FieldErrorCode, Type: tlv.TypeU32, Value: tlv.PutU32(e.ErrorCode)},
			tlv.Field{ID: schema.FieldErrorMessage, Type: tlv.TypeString, Value: []byte(e.ErrorMessage)},
		)
	}
	if e.TimestampMS != 0 || e.Type == schema.MsgContext || e.Type == schema.MsgHeartbeat {
		fields = append(fields, tlv.Field{ID: schema.FieldTimestampMS, Type: tlv.TypeU64, Value: tlv.PutU64(e.TimestampMS)})
	}
	if e.SenderID != "" {
		fields = append(fields, tlv.Field{ID: schema.FieldSenderID, Type: tlv.TypeString, Value: []byte(e.SenderID)})
	}
	return fields, nil
}

func flagsFor(messageType uint32) uint32 {
	switch messageType {
	case schema.MsgReply, schema.MsgTransferAck:
		return frame.FlagIsResponse
	case schema.MsgReplyError:
		return frame.FlagIsResponse | frame.FlagIsError
	default:
		return 0
	}
}

// EncodeEnvelope validates e and returns the complete frame bytes.
func EncodeEnvelope(e Envelope, limits frame.Limits) ([]byte, error) {
	fields, err := e.fields()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(e.Type, fields); err != nil {
		return nil, err
	}
	f := frame.Frame{
		Header: frame.Header{
			MessageID:   e.MessageID,
			MessageType: e.Type,
			Flags:       flagsFor(e.Type),
		},
		Payload: tlv.EncodeFields(fields),
	}
	return frame.Marshal(f, limits)
}

// WriteEnvelope encodes e and writes it to w in a single call.
func WriteEnvelope(w io.Writer, e Envelope, limits frame.Limits) error {
	b, err := EncodeEnvelope(e, limits)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// DecodeEnvelope validates and decodes a frame read off the wire.
func DecodeEnvelope(f frame.Frame) (Envelope, error) {
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return Envelope{}, err
	}
	mt := f.Header.MessageType
	if err := schema.Validate(mt, fields); err != nil {
		return Envelope{}, err
	}
	env := Envelope{Type: mt, MessageID: f.Header.MessageID}
	for _, fld := range fields {
		switch fld.ID {
		case schema.FieldPayload:
			if fld.Type != tlv.TypeMap {
				continue
			}
			m, err := payload.Decode(fld.Value)
			if err != nil {
				return Envelope{}, fmt.Errorf("session: %s payload: %w", schema.Name(mt), err)
			}
			env.Payload = m
		case schema.FieldRequestID:
			env.RequestID, err = optionalU64(fld)
		case schema.FieldSeq:
			env.Seq, err = optionalU64(fld)
		case schema.FieldTimestampMS:
			env.TimestampMS, err = optionalU64(fld)
		case schema.FieldErrorCode:
			if fld.Type == tlv.TypeU32 {
				env.ErrorCode, err = tlv.U32FromBytes(fld.Value)
			}
		case schema.FieldErrorMessage:
			env.ErrorMessage = string(fld.Value)
		case schema.FieldSenderID:
			env.SenderID = string(fld.Value)
		}
		if err != nil {
			return Envelope{}, fmt.Errorf("session: %s field %d: %w", schema.Name(mt), fld.ID, err)
		}
	}
	return env, nil
}

// ReadEnvelope reads one frame from r and decodes it.
func ReadEnvelope(r io.Reader, limits frame.Limits) (Envelope, error) {
	f, err := frame.ReadFrame(r, limits)
	if err != nil {
		return Envelope{}, err
	}
	return DecodeEnvelope(f)
}

func optionalU64(f tlv.Field) (uint64, error) {
	if f.Type != tlv.TypeU64 {
		return 0, nil
	}
	return tlv.U64FromBytes(f.Value)
}
