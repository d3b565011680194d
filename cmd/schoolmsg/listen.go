package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"schoolmsg/internal/bus"
	"schoolmsg/internal/domain"
	"schoolmsg/internal/metrics"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func listenCmd() *cobra.Command {
	var (
		rooms       []string
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Stay connected and print push events until interrupted",
		Long: `Opens the real-time connection, joins the given conversations and prints
every message, read receipt, typing notice and connection change. Use
--conversation COUNTERPART_ID:STUDENT_ID (repeatable) to join rooms.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(true, func(ctx context.Context, a *app) error {
				addr := metricsAddr
				if addr == "" && a.cfg.Metrics.Enabled {
					addr = a.cfg.Metrics.Addr
				}
				if addr != "" {
					stopMetrics := serveMetrics(addr, a.cfg.Metrics.Endpoint)
					defer stopMetrics()
				}

				a.facade.Subscribe(domain.ChannelConnection, func(ev bus.Event) error {
					printConnectionEvent(ev)
					return nil
				})
				a.facade.Subscribe(domain.ChannelMessage, func(ev bus.Event) error {
					return printPushEvent(ev, a.facade.Self())
				})

				if err := a.facade.Init(ctx, a.token); err != nil {
					logger.Warn("initial connect failed, retrying in the background", "err", err)
				}

				for _, room := range rooms {
					counterpart, student, ok := strings.Cut(room, ":")
					if !ok || counterpart == "" || student == "" {
						return fmt.Errorf("invalid --conversation %q, want COUNTERPART_ID:STUDENT_ID", room)
					}
					key, err := a.facade.OpenConversation(ctx, counterpart, student)
					if err != nil {
						logger.Warn("history not loaded", "key", key, "err", err)
					}
					fmt.Printf("joined %s (%d messages loaded)\n", key, len(a.facade.Messages(key.String())))
				}

				logger.Info("listening. Press Ctrl+C to stop.")
				<-ctx.Done()
				logger.Info("shutting down...")
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&rooms, "conversation", nil, "join COUNTERPART_ID:STUDENT_ID (repeatable)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (default: metrics.addr when enabled)")
	return cmd
}

// serveMetrics starts the metrics endpoint and returns a shutdown func.
func serveMetrics(addr, endpoint string) func() {
	if endpoint == "" {
		endpoint = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(endpoint, metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "err", err)
		}
	}()
	logger.Info("metrics enabled", "addr", addr, "endpoint", endpoint)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

func printConnectionEvent(ev bus.Event) {
	switch ev.Name {
	case domain.EventError:
		fmt.Printf("%s connection error: %v\n", ev.Timestamp.Format(time.TimeOnly), ev.Payload)
	default:
		fmt.Printf("%s %s\n", ev.Timestamp.Format(time.TimeOnly), ev.Name)
	}
}

func printPushEvent(ev bus.Event, self domain.Participant) error {
	raw, _ := ev.Payload.(json.RawMessage)
	ts := ev.Timestamp.Format(time.TimeOnly)

	switch ev.Name {
	case domain.EventNewMessage, domain.EventMessageDelivered:
		var m domain.Message
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("%s: %w", ev.Name, err)
		}
		if ev.Name == domain.EventMessageDelivered {
			fmt.Printf("%s delivered %s\n", ts, m.ID)
			return nil
		}
		fmt.Printf("%s %s from %s about %s:\n", ts, m.ID, m.SenderID, m.StudentID)
		printMessages(self, []domain.Message{m})
	case domain.EventMessageRead:
		var r domain.ReadReceipt
		if err := json.Unmarshal(raw, &r); err != nil {
			return fmt.Errorf("%s: %w", ev.Name, err)
		}
		when := ""
		if !r.ReadAt.IsZero() {
			when = " " + humanize.Time(r.ReadAt)
		}
		fmt.Printf("%s read %s%s\n", ts, r.MessageID, when)
	case domain.EventTypingStart, domain.EventTypingStop:
		var n domain.TypingNotice
		if err := json.Unmarshal(raw, &n); err != nil {
			return fmt.Errorf("%s: %w", ev.Name, err)
		}
		if n.UserID == self.ID {
			return nil
		}
		verb := "started"
		if ev.Name == domain.EventTypingStop {
			verb = "stopped"
		}
		fmt.Printf("%s %s %s typing in %s\n", ts, n.UserID, verb, n.ConversationID)
	}
	return nil
}
