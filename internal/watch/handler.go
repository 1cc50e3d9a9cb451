package watch

import (
	"context"

	"github.com/danmuck/watchbridge/internal/payload"
)

// Handler is the watch application's delegate for inbound phone traffic.
// OnRequest runs on its own goroutine; the other callbacks run in arrival
// order on the session reader.
type Handler interface {
	OnMessage(m payload.Map)
	OnRequest(ctx context.Context, m payload.Map) (payload.Map, error)
	OnApplicationContext(m payload.Map)
	OnUserInfo(m payload.Map)
}

// BaseHandler ignores everything and answers each request with an empty map.
// Embed it to override only the callbacks you need.
type BaseHandler struct{}

func (BaseHandler) OnMessage(payload.Map) {}

func (BaseHandler) OnRequest(context.Context, payload.Map) (payload.Map, error) {
	return payload.Map{}, nil
}

func (BaseHandler) OnApplicationContext(payload.Map) {}

func (BaseHandler) OnUserInfo(payload.Map) {}
