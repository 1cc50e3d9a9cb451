package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/watchbridge/internal/config"
	"github.com/danmuck/watchbridge/internal/events"
	"github.com/danmuck/watchbridge/internal/observability"
	"github.com/danmuck/watchbridge/internal/payload"
	"github.com/danmuck/watchbridge/internal/watch"
	"github.com/spf13/cobra"
)

func newInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init <path>",
		Short: "Write a watch profile template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteTemplate(args[0], "watch", force); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
			return err
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func newShowConfigCmd(s *settings) *cobra.Command {
	return &cobra.Command{
		Use:   "show-config",
		Short: "Print the resolved connector settings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := s.watchConfig()
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"phoneAddr":    cfg.PhoneAddr,
				"deviceId":     cfg.DeviceID,
				"pairingKey":   cfg.PairingKey != "",
				"appInstalled": cfg.AppInstalled,
				"tls":          cfg.Session.TLS.Enabled,
				"securityMode": cfg.Session.SecurityMode,
			})
		},
	}
}

// newRunCmd holds a session open and prints every event as a JSON line.
func newRunCmd(s *settings) *cobra.Command {
	var reply string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Stay connected and print phone traffic",
		RunE: func(cmd *cobra.Command, _ []string) error {
			replyMap, err := parsePayload(reply)
			if err != nil {
				return fmt.Errorf("--reply: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			c, err := s.connector(fixedReply{reply: payload.Map(replyMap)})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			c.Events().SubscribeAll(func(e events.Event) {
				_ = writeJSON(out, map[string]any{"event": e.Name, "data": e.Body()})
			})
			if err := c.Activate(ctx); err != nil {
				return err
			}
			go func() {
				<-ctx.Done()
				_ = c.Close()
			}()
			return c.Wait()
		},
	}
	cmd.Flags().StringVar(&reply, "reply", "{}", "JSON object returned for every phone request")
	return cmd
}

func newSendCmd(s *settings) *cobra.Command {
	return &cobra.Command{
		Use:   "send <json>",
		Short: "Send a one-way message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := parsePayload(args[0])
			if err != nil {
				return err
			}
			return s.withSession(cmd, func(ctx context.Context, c *watch.Connector) error {
				return c.SendMessage(ctx, m)
			})
		},
	}
}

func newRequestCmd(s *settings) *cobra.Command {
	return &cobra.Command{
		Use:   "request <json>",
		Short: "Send a message and print the phone's reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := parsePayload(args[0])
			if err != nil {
				return err
			}
			return s.withSession(cmd, func(ctx context.Context, c *watch.Connector) error {
				reply, err := c.Request(ctx, m).Wait(ctx)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), reply)
			})
		},
	}
}

func newContextCmd(s *settings) *cobra.Command {
	return &cobra.Command{
		Use:   "context <json>",
		Short: "Replace the shared application context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := parsePayload(args[0])
			if err != nil {
				return err
			}
			return s.withSession(cmd, func(ctx context.Context, c *watch.Connector) error {
				return c.UpdateApplicationContext(ctx, m)
			})
		},
	}
}

// newTransferCmd queues a transfer and waits for the phone to acknowledge it.
func newTransferCmd(s *settings) *cobra.Command {
	return &cobra.Command{
		Use:   "transfer <json>",
		Short: "Queue a user info transfer and wait for its ack",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := parsePayload(args[0])
			if err != nil {
				return err
			}
			return s.withSession(cmd, func(ctx context.Context, c *watch.Connector) error {
				seq, err := c.TransferUserInfo(ctx, m)
				if err != nil {
					return err
				}
				if err := poll(ctx, func() bool { return c.QueuedTransfers() == 0 }); err != nil {
					return fmt.Errorf("transfer %d not acknowledged: %w", seq, err)
				}
				return writeJSON(cmd.OutOrStdout(), map[string]any{"seq": seq, "acked": true})
			})
		},
	}
}

type fixedReply struct {
	watch.BaseHandler
	reply payload.Map
}

func (h fixedReply) OnRequest(context.Context, payload.Map) (payload.Map, error) {
	return h.reply.Clone(), nil
}

func (s *settings) connector(h watch.Handler) (*watch.Connector, error) {
	cfg, err := s.watchConfig()
	if err != nil {
		return nil, err
	}
	logger := observability.InitLogger("watchctl")
	return watch.NewConnector(cfg, h, logger)
}

// withSession connects, waits until the phone is reachable, runs fn and
// closes. The whole exchange is bounded by --timeout.
func (s *settings) withSession(cmd *cobra.Command, fn func(context.Context, *watch.Connector) error) error {
	timeout, err := s.timeout()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	c, err := s.connector(nil)
	if err != nil {
		return err
	}
	if err := c.Activate(ctx); err != nil {
		return err
	}
	defer c.Close()

	err = poll(ctx, func() bool {
		return c.IsReachable() || c.ActivationState() == events.NotActivated
	})
	if err != nil {
		return fmt.Errorf("phone not reachable: %w", err)
	}
	if !c.IsReachable() {
		return c.Wait()
	}
	return fn(ctx, c)
}

func poll(ctx context.Context, cond func() bool) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func parsePayload(raw string) (map[string]any, error) {
	m, err := payload.FromJSON([]byte(raw))
	if err != nil {
		return nil, err
	}
	return map[string]any(m), nil
}

func writeJSON(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}
