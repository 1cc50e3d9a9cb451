package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/danmuck/watchbridge/internal/events"
	"github.com/danmuck/watchbridge/internal/payload"
	"github.com/danmuck/watchbridge/internal/phone"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"node":    s.opts.Node,
			"version": phone.PluginVersion,
		})
	})

	s.router.GET("/ready", func(c *gin.Context) {
		info := s.svc.GetInfo()
		status := http.StatusOK
		if info.ActivationState != events.Activated {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":           status == http.StatusOK,
			"activationState": info.ActivationState,
			"isReachable":     info.IsReachable,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/v1", s.requireToken())
	v1.POST("/messages", s.sendMessage)
	v1.POST("/context", s.updateContext)
	v1.GET("/context", s.receivedContext)
	v1.POST("/transfers", s.transferUserInfo)
	v1.GET("/transfers", s.queuedTransfers)
	v1.POST("/replies", s.replyToMessage)
	v1.GET("/replies", s.pendingReplies)
	v1.GET("/info", s.info)
	v1.GET("/version", s.version)
	v1.GET("/events", s.streamEvents)
	v1.DELETE("/listeners", s.removeAllListeners)
}

type messageBody struct {
	Data json.RawMessage `json:"data"`
}

type contextBody struct {
	Context json.RawMessage `json:"context"`
}

type transferBody struct {
	UserInfo json.RawMessage `json:"userInfo"`
}

type replyBody struct {
	CallbackID string          `json:"callbackId"`
	Data       json.RawMessage `json:"data"`
}

// decodePayload turns an optional raw JSON object into a map. A missing or
// null field yields nil so the service reports its own required-field error.
func decodePayload(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	m, err := payload.FromJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", phone.ErrInvalidPayload, err)
	}
	return map[string]any(m), nil
}

func (s *Server) sendMessage(c *gin.Context) {
	var body messageBody
	if !s.bind(c, &body) {
		return
	}
	data, err := decodePayload(body.Data)
	if err == nil {
		err = s.svc.SendMessage(c.Request.Context(), phone.SendMessageOptions{Data: data})
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "sent"})
}

func (s *Server) updateContext(c *gin.Context) {
	var body contextBody
	if !s.bind(c, &body) {
		return
	}
	ctxMap, err := decodePayload(body.Context)
	if err == nil {
		err = s.svc.UpdateApplicationContext(c.Request.Context(), phone.UpdateContextOptions{Context: ctxMap})
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) receivedContext(c *gin.Context) {
	m := s.svc.ReceivedApplicationContext()
	if m == nil {
		m = payload.Map{}
	}
	c.JSON(http.StatusOK, gin.H{"context": m})
}

func (s *Server) transferUserInfo(c *gin.Context) {
	var body transferBody
	if !s.bind(c, &body) {
		return
	}
	info, err := decodePayload(body.UserInfo)
	if err != nil {
		s.fail(c, err)
		return
	}
	receipt, err := s.svc.TransferUserInfo(c.Request.Context(), phone.TransferUserInfoOptions{UserInfo: info})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, receipt)
}

func (s *Server) queuedTransfers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"queued": s.svc.QueuedTransfers()})
}

func (s *Server) replyToMessage(c *gin.Context) {
	var body replyBody
	if !s.bind(c, &body) {
		return
	}
	data, err := decodePayload(body.Data)
	if err == nil {
		err = s.svc.ReplyToMessage(c.Request.Context(), phone.ReplyMessageOptions{
			CallbackID: body.CallbackID,
			Data:       data,
		})
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "replied", "callbackId": body.CallbackID})
}

func (s *Server) pendingReplies(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pending": s.svc.PendingReplies()})
}

func (s *Server) info(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.GetInfo())
}

func (s *Server) version(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"version": s.svc.GetPluginVersion()})
}

func (s *Server) removeAllListeners(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"removed": s.svc.RemoveAllListeners()})
}

// streamEvents relays bus events as SSE until the client leaves or the
// subscription is removed. ?name= narrows the stream to one event.
func (s *Server) streamEvents(c *gin.Context) {
	ch := make(chan events.Event, s.opts.EventBuffer)
	forward := func(e events.Event) {
		select {
		case ch <- e:
		default:
			s.logger.Warn().Str("event", string(e.Name)).Msg("sse client too slow, event dropped")
		}
	}

	var sub *events.Subscription
	if name := c.Query("name"); name != "" {
		var err error
		sub, err = s.svc.AddListener(name, forward)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	} else {
		sub = s.svc.Events().SubscribeAll(forward)
	}
	defer sub.Remove()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case <-sub.Done():
			return false
		case e := <-ch:
			c.SSEvent(string(e.Name), e.Body())
			return true
		}
	})
}

func (s *Server) bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, phone.ErrInvalidCallbackID):
		return http.StatusNotFound
	case errors.Is(err, phone.ErrNotReachable), errors.Is(err, phone.ErrNotActivated):
		return http.StatusConflict
	case errors.Is(err, phone.ErrNotSupported):
		return http.StatusNotImplemented
	case errors.Is(err, phone.ErrDataRequired),
		errors.Is(err, phone.ErrContextRequired),
		errors.Is(err, phone.ErrUserInfoRequired),
		errors.Is(err, phone.ErrCallbackIDRequired),
		errors.Is(err, phone.ErrInvalidPayload):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
