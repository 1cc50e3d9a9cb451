package link

import (
	"errors"
	"sync/atomic"

	"github.com/danmuck/watchbridge/internal/correlator"
	"github.com/danmuck/watchbridge/internal/payload"
)

var ErrAlreadyReplied = errors.New("link: request already answered")

// ReplySink answers one inbound request. Only the first Reply or Fail is sent.
type ReplySink struct {
	link      *Link
	requestID uint64
	used      atomic.Bool
}

func (s *ReplySink) RequestID() uint64 { return s.requestID }

func (s *ReplySink) Reply(m payload.Map) error {
	if !s.used.CompareAndSwap(false, true) {
		return ErrAlreadyReplied
	}
	if m == nil {
		m = payload.Map{}
	}
	return s.link.SendReply(s.requestID, m)
}

func (s *ReplySink) Fail(code uint32, message string) error {
	if !s.used.CompareAndSwap(false, true) {
		return ErrAlreadyReplied
	}
	return s.link.SendReplyError(s.requestID, code, message)
}

// Resolve lets a sink sit directly in a reply correlator.
func (s *ReplySink) Resolve(m payload.Map) {
	if err := s.Reply(m); err != nil {
		s.link.logger.Warn().Err(err).Uint64("request_id", s.requestID).Msg("reply not sent")
	}
}

// Reject sends a reply.error; the code follows the correlator's reason.
func (s *ReplySink) Reject(err error) {
	code := CodeDropped
	if errors.Is(err, correlator.ErrExpired) {
		code = CodeExpired
	}
	if sendErr := s.Fail(code, err.Error()); sendErr != nil {
		s.link.logger.Debug().Err(sendErr).Uint64("request_id", s.requestID).Msg("reject not sent")
	}
}
