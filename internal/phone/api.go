package phone

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/watchbridge/internal/correlator"
	"github.com/danmuck/watchbridge/internal/events"
	"github.com/danmuck/watchbridge/internal/observability"
	"github.com/danmuck/watchbridge/internal/payload"
)

type SendMessageOptions struct {
	Data map[string]any `json:"data"`
}

type UpdateContextOptions struct {
	Context map[string]any `json:"context"`
}

type TransferUserInfoOptions struct {
	UserInfo map[string]any `json:"userInfo"`
}

type ReplyMessageOptions struct {
	CallbackID string         `json:"callbackId"`
	Data       map[string]any `json:"data"`
}

// WatchInfo is the connectivity snapshot returned by GetInfo.
type WatchInfo struct {
	IsSupported         bool                   `json:"isSupported"`
	IsPaired            bool                   `json:"isPaired"`
	IsWatchAppInstalled bool                   `json:"isWatchAppInstalled"`
	IsReachable         bool                   `json:"isReachable"`
	ActivationState     events.ActivationState `json:"activationState"`
}

// TransferReceipt reports where a queued transfer sits.
type TransferReceipt struct {
	Seq    uint64 `json:"seq"`
	Queued int    `json:"queued"`
}

func normalize(in map[string]any) (payload.Map, error) {
	m, err := payload.Normalize(in)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return m, nil
}

// SendMessage delivers an immediate one-way message to the watch.
func (s *Service) SendMessage(ctx context.Context, opts SendMessageOptions) error {
	if !s.cfg.Supported {
		return ErrNotSupported
	}
	if opts.Data == nil {
		return ErrDataRequired
	}
	m, err := normalize(opts.Data)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	att, state := s.current()
	if state != events.Activated {
		return ErrNotActivated
	}
	if att == nil {
		return ErrNotReachable
	}
	if err := att.link.SendMessage(m); err != nil {
		return fmt.Errorf("%w: %w", ErrNotReachable, err)
	}
	return nil
}

// UpdateApplicationContext replaces the shared context. Only the latest
// value is kept; it is pushed now if the watch is connected and again on
// every reconnect.
func (s *Service) UpdateApplicationContext(ctx context.Context, opts UpdateContextOptions) error {
	if !s.cfg.Supported {
		return ErrNotSupported
	}
	if opts.Context == nil {
		return ErrContextRequired
	}
	m, err := normalize(opts.Context)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	now := time.Now()
	s.mu.Lock()
	if s.state != events.Activated {
		s.mu.Unlock()
		return ErrNotActivated
	}
	s.context, s.contextAt = m, now
	att := s.active
	s.mu.Unlock()

	if att != nil {
		if err := att.link.SendContext(m, uint64(now.UnixMilli())); err != nil {
			s.logger.Debug().Err(err).Msg("context deferred until reconnect")
		}
	}
	return nil
}

// TransferUserInfo queues m for ordered, acknowledged delivery. Queued
// transfers survive disconnects and are resent after reconnect.
func (s *Service) TransferUserInfo(ctx context.Context, opts TransferUserInfoOptions) (TransferReceipt, error) {
	if !s.cfg.Supported {
		return TransferReceipt{}, ErrNotSupported
	}
	if opts.UserInfo == nil {
		return TransferReceipt{}, ErrUserInfoRequired
	}
	m, err := normalize(opts.UserInfo)
	if err != nil {
		return TransferReceipt{}, err
	}
	if err := ctx.Err(); err != nil {
		return TransferReceipt{}, err
	}
	att, state := s.current()
	if state != events.Activated {
		return TransferReceipt{}, ErrNotActivated
	}
	item := s.outbox.Enqueue(m, time.Now())
	if att != nil {
		s.flushTransfers(att)
	}
	queued := s.outbox.Len()
	observability.SetQueuedTransfers(s.cfg.DeviceID, queued)
	return TransferReceipt{Seq: item.Seq, Queued: queued}, nil
}

// ReplyToMessage answers a request announced by messageReceivedWithReply.
// Each callbackId can be answered once.
func (s *Service) ReplyToMessage(ctx context.Context, opts ReplyMessageOptions) error {
	if opts.CallbackID == "" {
		return ErrCallbackIDRequired
	}
	if opts.Data == nil {
		return ErrDataRequired
	}
	m, err := normalize(opts.Data)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.replies.Resolve(opts.CallbackID, m); err != nil {
		observability.RecordReply(s.cfg.DeviceID, "unknown")
		if errors.Is(err, correlator.ErrUnknownToken) {
			return fmt.Errorf("%w: %w", ErrInvalidCallbackID, err)
		}
		return err
	}
	observability.RecordReply(s.cfg.DeviceID, "delivered")
	observability.SetPendingReplies(s.cfg.DeviceID, s.replies.Pending())
	return nil
}

func (s *Service) GetInfo() WatchInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return WatchInfo{
		IsSupported:         s.cfg.Supported,
		IsPaired:            s.paired,
		IsWatchAppInstalled: s.appInstalled,
		IsReachable:         s.active != nil,
		ActivationState:     s.state,
	}
}

func (s *Service) GetPluginVersion() string {
	return PluginVersion
}

// AddListener subscribes fn to one event name.
func (s *Service) AddListener(name string, fn events.Listener) (*events.Subscription, error) {
	n, err := events.ParseName(name)
	if err != nil {
		return nil, err
	}
	return s.bus.Subscribe(n, fn)
}

func (s *Service) RemoveAllListeners() int {
	return s.bus.RemoveAll()
}

// PendingReplies returns the callbackIds still awaiting ReplyToMessage.
func (s *Service) PendingReplies() []string {
	return s.replies.Tokens()
}

// ReceivedApplicationContext returns the last context the watch pushed.
func (s *Service) ReceivedApplicationContext() payload.Map {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received.Clone()
}

// QueuedTransfers returns transfers not yet acknowledged by the watch.
func (s *Service) QueuedTransfers() int {
	return s.outbox.Len()
}
