package schema

import (
	"fmt"

	"github.com/danmuck/watchbridge/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message type IDs carried in the frame header.
const (
	MsgMessage     uint32 = 1
	MsgRequest     uint32 = 2
	MsgReply       uint32 = 3
	MsgReplyError  uint32 = 4
	MsgContext     uint32 = 5
	MsgTransfer    uint32 = 6
	MsgTransferAck uint32 = 7
	MsgHeartbeat   uint32 = 8
)

// Field IDs.
const (
	FieldPayload      uint16 = 1
	FieldRequestID    uint16 = 2
	FieldSeq          uint16 = 3
	FieldErrorCode    uint16 = 4
	FieldErrorMessage uint16 = 5
	FieldTimestampMS  uint16 = 6
	FieldSenderID     uint16 = 7
)

var names = map[uint32]string{
	MsgMessage:     "message",
	MsgRequest:     "request",
	MsgReply:       "reply",
	MsgReplyError:  "reply.error",
	MsgContext:     "context",
	MsgTransfer:    "transfer",
	MsgTransferAck: "transfer.ack",
	MsgHeartbeat:   "heartbeat",
}

// Name returns the wire name of a message type, or "unknown".
func Name(messageType uint32) string {
	if n, ok := names[messageType]; ok {
		return n
	}
	return "unknown"
}

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[uint32][]Requirement{
	MsgMessage: {
		{FieldPayload, tlv.TypeMap},
	},
	MsgRequest: {
		{FieldRequestID, tlv.TypeU64},
		{FieldPayload, tlv.TypeMap},
	},
	MsgReply: {
		{FieldRequestID, tlv.TypeU64},
		{FieldPayload, tlv.TypeMap},
	},
	MsgReplyError: {
		{FieldRequestID, tlv.TypeU64},
		{FieldErrorCode, tlv.TypeU32},
		{FieldErrorMessage, tlv.TypeString},
	},
	MsgContext: {
		{FieldPayload, tlv.TypeMap},
		{FieldTimestampMS, tlv.TypeU64},
	},
	MsgTransfer: {
		{FieldSeq, tlv.TypeU64},
		{FieldPayload, tlv.TypeMap},
	},
	MsgTransferAck: {
		{FieldSeq, tlv.TypeU64},
	},
	MsgHeartbeat: {
		{FieldTimestampMS, tlv.TypeU64},
	},
}

// Validate enforces required fields and required field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	log.Trace().Str("type", Name(messageType)).Int("fields", len(fields)).Msg("schema.Validate")
	reqs, ok := requirements[messageType]
	if !ok {
		log.Error().Uint32("message_type", messageType).Msg("schema.Validate unknown message_type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Error().
				Str("type", Name(messageType)).
				Uint16("field_id", req.ID).
				Msg("schema.Validate missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Error().
				Str("type", Name(messageType)).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema.Validate type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
