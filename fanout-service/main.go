package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/nats-chat-status-engine/pkg/otelhelper"
)

// RoomChangedEvent is a membership delta event from the room store.
type RoomChangedEvent struct {
	Room   string `json:"room"`
	Action string `json:"action"` // "join" or "leave"
	UserId string `json:"userId"`
}

// PresenceChangedEvent mirrors the payload on presence.changed.{userId}.
type PresenceChangedEvent struct {
	EventId   string `json:"eventId"`
	UserId    string `json:"userId"`
	Status    string `json:"status"`
	LastSeen  int64  `json:"lastSeen"`
	Timestamp int64  `json:"timestamp"`
}

// DeliveryChangedEvent mirrors the payload on delivery.changed.{senderId}.
type DeliveryChangedEvent struct {
	EventId     string `json:"eventId"`
	MessageId   string `json:"messageId"`
	RecipientId string `json:"recipientId"`
	SenderId    string `json:"senderId"`
	State       string `json:"state"`
	Timestamp   int64  `json:"timestamp"`
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// fanOutToSessions publishes one event to every live session of a user.
// A failed publish is equivalent to "session already disconnected": it is
// skipped, never retried — the client re-syncs via snapshot pull.
func fanOutToSessions(ctx context.Context, nc *nats.Conn, ct *connTracker, userId, kind string, data []byte) int {
	delivered := 0
	for _, connId := range ct.sessions(userId) {
		subject := "deliver." + userId + "." + connId + "." + kind
		if err := otelhelper.TracedPublish(ctx, nc, subject, data); err != nil {
			slog.Debug("Skipping dead session", "user", userId, "connId", connId, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

func main() {
	ctx := context.Background()

	// Initialize OpenTelemetry
	otelShutdown, err := otelhelper.Init(ctx)
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	meter := otel.Meter("fanout-service")
	presenceFanoutCounter, _ := meter.Int64Counter("fanout_presence_events_total",
		metric.WithDescription("Total presence events fanned out to sessions"))
	deliveryFanoutCounter, _ := meter.Int64Counter("fanout_delivery_events_total",
		metric.WithDescription("Total delivery events fanned out to sessions"))
	fanoutDuration, _ := otelhelper.NewDurationHistogram(meter, "fanout_duration_seconds", "Time to fan out a single event to all entitled sessions")
	roomGauge, _ := meter.Int64ObservableGauge("fanout_room_count",
		metric.WithDescription("Number of active rooms"))
	membersGauge, _ := meter.Int64ObservableGauge("fanout_total_members",
		metric.WithDescription("Total room memberships"))
	sessionGauge, _ := meter.Int64ObservableGauge("fanout_live_sessions",
		metric.WithDescription("Live sessions mirrored from PRESENCE_CONN"))

	natsURL := envOrDefault("NATS_URL", "nats://localhost:4222")
	natsUser := envOrDefault("NATS_USER", "fanout-service")
	natsPass := envOrDefault("NATS_PASS", "fanout-service-secret")

	slog.Info("Starting Fanout Service", "nats_url", natsURL)

	mem := newDualMembership()
	ct := newConnTracker()

	var watcherMu sync.Mutex
	var watcherCancel context.CancelFunc

	// Connect to NATS with retry
	var nc *nats.Conn
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(natsURL,
			nats.UserInfo(natsUser, natsPass),
			nats.Name("fanout-service"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				slog.Warn("NATS disconnected", "error", err)
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				slog.Info("NATS reconnected — resetting state and re-hydrating")

				js, jsErr := nc.JetStream()
				if jsErr != nil {
					slog.Error("Failed to get JetStream after reconnect", "error", jsErr)
					return
				}

				ct.reset()
				mem.reset()

				connKV, kvErr := js.KeyValue("PRESENCE_CONN")
				if kvErr != nil {
					slog.Error("Failed to bind PRESENCE_CONN after reconnect", "error", kvErr)
					return
				}
				watcherMu.Lock()
				if watcherCancel != nil {
					watcherCancel()
				}
				newCtx, newCancel := context.WithCancel(context.Background())
				watcherCancel = newCancel
				watcherMu.Unlock()
				go watchConnKV(newCtx, connKV, ct)

				// Re-hydrate membership in background — never block the reconnect handler
				go func() {
					roomsKV, kvErr := bindRoomsKV(js)
					if kvErr != nil {
						slog.Error("Failed to bind ROOMS KV after reconnect", "error", kvErr)
						return
					}
					hydrateRoomMembership(roomsKV, mem)
				}()
			}),
		)
		if err == nil {
			break
		}
		slog.Info("Waiting for NATS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		slog.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	slog.Info("Connected to NATS", "url", nc.ConnectedUrl())

	js, err := nc.JetStream()
	if err != nil {
		slog.Error("Failed to create JetStream context", "error", err)
		os.Exit(1)
	}

	_, _ = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(roomGauge, int64(mem.roomCount()))
		o.ObserveInt64(membersGauge, int64(mem.totalMembers()))
		o.ObserveInt64(sessionGauge, int64(ct.total()))
		return nil
	}, roomGauge, membersGauge, sessionGauge)

	// Subscribe to room.changed.* (no QG — every instance needs full state)
	// MUST subscribe BEFORE hydration (subscribe-first pattern)
	_, err = nc.Subscribe("room.changed.*", func(msg *nats.Msg) {
		var evt RoomChangedEvent
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			slog.Warn("Invalid room.changed event", "error", err)
			return
		}
		switch evt.Action {
		case "join":
			mem.add(evt.Room, evt.UserId)
		case "leave":
			mem.remove(evt.Room, evt.UserId)
		}
		slog.Debug("Room membership updated", "room", evt.Room, "action", evt.Action, "user", evt.UserId)
	})
	if err != nil {
		slog.Error("Failed to subscribe to room.changed.*", "error", err)
		os.Exit(1)
	}

	// Hydrate room membership from ROOMS KV (after subscribing to deltas)
	roomsKV, kvErr := bindRoomsKV(js)
	if kvErr != nil {
		slog.Warn("Could not bind ROOMS KV for hydration", "error", kvErr)
	} else {
		hydrateRoomMembership(roomsKV, mem)
	}

	// Presence changes go to every live session of every contact.
	// Fanout runs inline in the callback: one consumer per subject keeps
	// per-user event order intact.
	_, err = nc.Subscribe("presence.changed.*", func(msg *nats.Msg) {
		ctx, span := otelhelper.StartConsumerSpan(context.Background(), msg, "fanout presence change")
		defer span.End()
		start := time.Now()

		var evt PresenceChangedEvent
		if err := json.Unmarshal(msg.Data, &evt); err != nil || evt.UserId == "" {
			slog.Warn("Invalid presence.changed event", "error", err)
			return
		}

		delivered := 0
		contacts := mem.contacts(evt.UserId)
		for _, contact := range contacts {
			delivered += fanOutToSessions(ctx, nc, ct, contact, "presence", msg.Data)
		}

		span.SetAttributes(
			attribute.String("presence.user", evt.UserId),
			attribute.String("presence.status", evt.Status),
			attribute.Int("fanout.contact_count", len(contacts)),
			attribute.Int("fanout.session_count", delivered),
		)
		presenceFanoutCounter.Add(ctx, int64(delivered))
		fanoutDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
			attribute.String("kind", "presence"),
		))
		if delivered > 0 {
			slog.DebugContext(ctx, "Fanned out presence change", "user", evt.UserId, "status", evt.Status, "sessions", delivered)
		}
	})
	if err != nil {
		slog.Error("Failed to subscribe to presence.changed.*", "error", err)
		os.Exit(1)
	}

	// Delivery changes go only to the original sender's live sessions.
	_, err = nc.Subscribe("delivery.changed.*", func(msg *nats.Msg) {
		ctx, span := otelhelper.StartConsumerSpan(context.Background(), msg, "fanout delivery change")
		defer span.End()
		start := time.Now()

		var evt DeliveryChangedEvent
		if err := json.Unmarshal(msg.Data, &evt); err != nil || evt.SenderId == "" {
			slog.Warn("Invalid delivery.changed event", "error", err)
			return
		}

		delivered := fanOutToSessions(ctx, nc, ct, evt.SenderId, "delivery", msg.Data)

		span.SetAttributes(
			attribute.String("delivery.sender", evt.SenderId),
			attribute.String("delivery.state", evt.State),
			attribute.Int("fanout.session_count", delivered),
		)
		deliveryFanoutCounter.Add(ctx, int64(delivered))
		fanoutDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
			attribute.String("kind", "delivery"),
		))
	})
	if err != nil {
		slog.Error("Failed to subscribe to delivery.changed.*", "error", err)
		os.Exit(1)
	}

	slog.Info("Fanout service ready — listening for room.changed.*, presence.changed.*, delivery.changed.*")

	// Start PRESENCE_CONN watcher for live-session tracking
	connKV, err := js.KeyValue("PRESENCE_CONN")
	if err != nil {
		slog.Error("Failed to bind PRESENCE_CONN KV (presence-service may not be ready)", "error", err)
		os.Exit(1)
	}
	watcherMu.Lock()
	initialCtx, initialCancel := context.WithCancel(ctx)
	watcherCancel = initialCancel
	watcherMu.Unlock()
	go watchConnKV(initialCtx, connKV, ct)

	// Wait for shutdown
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	slog.Info("Shutting down fanout service")
	watcherMu.Lock()
	if watcherCancel != nil {
		watcherCancel()
	}
	watcherMu.Unlock()
	nc.Drain()
	slog.Info("Fanout service shutdown complete")
}
