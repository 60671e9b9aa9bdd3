package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/parlor/chat-core/internal/auth"
	"github.com/parlor/chat-core/internal/broker"
	"github.com/parlor/chat-core/internal/jobs"
	"github.com/parlor/chat-core/internal/messaging"
	"github.com/parlor/chat-core/internal/metrics"
	"github.com/parlor/chat-core/internal/postgres"
	"github.com/parlor/chat-core/internal/presence"
	"github.com/parlor/chat-core/internal/protocol"
	"github.com/parlor/chat-core/internal/ratelimit"
)

const requestTimeout = 5 * time.Second

// typingLimiter adapts the generic limiter to the presence tracker.
type typingLimiter struct {
	limiter *ratelimit.Limiter
}

func (t typingLimiter) AllowTyping(ctx context.Context, identifier string) (bool, error) {
	return t.limiter.Allow(ctx, identifier, ratelimit.RuleTyping)
}

func main() {
	postgresDSN := "postgres://localhost:5432/chatcore?sslmode=disable"
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		postgresDSN = v
	}
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	metricsAddr := ":9091"
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		metricsAddr = v
	}
	gateMarkRead := os.Getenv("GATE_MARK_READ") == "true"
	typingLimit := os.Getenv("TYPING_RATE_LIMIT") != "off"

	// --- Postgres ---
	db, err := postgres.Open(postgresDSN)
	if err != nil {
		log.Fatalf("failed to connect to Postgres: %v", err)
	}
	if err := postgres.Migrate(db); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}
	store := postgres.NewStore(db)

	// --- Redis ---
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancel()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	cancel()

	// --- NATS ---
	natsConfig := messaging.DefaultConfig()
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig.URL = v
	}
	natsConfig.Name = "chat-broker"
	natsClient, err := messaging.NewClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	log.Printf("chat broker starting")
	log.Printf("  postgres_dsn:      %s", postgresDSN)
	log.Printf("  redis_addr:        %s", redisAddr)
	log.Printf("  nats_url:          %s", natsConfig.URL)
	log.Printf("  metrics_addr:      %s", metricsAddr)
	log.Printf("  gate_mark_read:    %v", gateMarkRead)
	log.Printf("  typing_rate_limit: %v", typingLimit)

	// --- Wiring ---
	gate := auth.NewMembershipGate(store)
	jobQueue := jobs.NewQueue(rdb)
	b := broker.New(store, gate, jobQueue, broker.Config{GateMarkRead: gateMarkRead})

	var limiter presence.Limiter
	if typingLimit {
		limiter = typingLimiter{limiter: ratelimit.NewLimiter(rdb)}
	}
	tracker := presence.NewTracker(natsClient, limiter)

	// Mark-read jobs flip the room's read marker without touching its
	// modified timestamp.
	worker := jobs.NewWorker(rdb, func(ctx context.Context, job jobs.Job) error {
		if job.Kind != jobs.KindMarkRead {
			log.Printf("[jobs] unknown job kind %q id=%s", job.Kind, job.ID)
			return nil
		}
		ctx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()
		return store.MarkRead(ctx, job.Room)
	})
	worker.Start()

	// -----------------------------------------------------------------------
	// chat.api.send — persist a message and stage its fan-out
	// -----------------------------------------------------------------------
	mustServe(natsClient, messaging.SubjectSend, func(data []byte) []byte {
		var req protocol.SendRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return protocol.Fail(protocol.CodeBadRequest, err.Error())
		}
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		stored, err := b.Send(ctx, broker.SendRequest{
			Content:        req.Content,
			Sender:         req.User,
			Room:           req.Room,
			SenderEmail:    req.Email,
			IdempotencyKey: req.IdempotencyKey,
		})
		if err != nil {
			return failFor(err)
		}
		return protocol.OK(protocol.SendResult{ID: stored.ID, Creation: stored.Creation})
	})

	// -----------------------------------------------------------------------
	// chat.api.history — all messages of a room, creation ascending
	// -----------------------------------------------------------------------
	mustServe(natsClient, messaging.SubjectHistory, func(data []byte) []byte {
		var req protocol.HistoryRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return protocol.Fail(protocol.CodeBadRequest, err.Error())
		}
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		msgs, err := b.History(ctx, req.Room, req.Email)
		if err != nil {
			return failFor(err)
		}

		entries := make([]protocol.HistoryEntry, 0, len(msgs))
		for _, m := range msgs {
			entries = append(entries, protocol.HistoryEntry{
				Content:     m.Content,
				Sender:      m.Sender,
				Creation:    m.Creation,
				SenderEmail: m.SenderEmail,
			})
		}
		return protocol.OK(protocol.HistoryResult{Messages: entries})
	})

	// -----------------------------------------------------------------------
	// chat.api.mark_read — fire-and-forget read marker update
	// -----------------------------------------------------------------------
	mustServe(natsClient, messaging.SubjectMarkRead, func(data []byte) []byte {
		var req protocol.MarkReadRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return protocol.Fail(protocol.CodeBadRequest, err.Error())
		}
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		if err := b.MarkRead(ctx, req.Room, req.Email); err != nil {
			return failFor(err)
		}
		return protocol.OK(nil)
	})

	// -----------------------------------------------------------------------
	// chat.api.typing — transient typing presence broadcast
	// -----------------------------------------------------------------------
	mustServe(natsClient, messaging.SubjectTyping, func(data []byte) []byte {
		var req protocol.TypingRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return protocol.Fail(protocol.CodeBadRequest, err.Error())
		}
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		if err := tracker.SetTyping(ctx, req.Room, req.User, req.IsTyping, req.IsGuest); err != nil {
			return failFor(err)
		}
		return protocol.OK(nil)
	})

	// -----------------------------------------------------------------------
	// chat.api.create_room — trusted provisioning path
	// -----------------------------------------------------------------------
	mustServe(natsClient, messaging.SubjectCreateRoom, func(data []byte) []byte {
		var req protocol.CreateRoomRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return protocol.Fail(protocol.CodeBadRequest, err.Error())
		}
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		if err := b.CreateRoom(ctx, req.Name, req.RoomType, req.Members); err != nil {
			return failFor(err)
		}
		return protocol.OK(nil)
	})

	// Metrics endpoint.
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Printf("metrics server: %v", err)
		}
	}()

	log.Printf("chat broker running")

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	natsClient.Close()
	worker.Stop()
	if err := rdb.Close(); err != nil {
		log.Printf("redis close: %v", err)
	}
	if err := db.Close(); err != nil {
		log.Printf("postgres close: %v", err)
	}
}

func mustServe(client *messaging.Client, subject string, handler func([]byte) []byte) {
	if err := client.Serve(subject, handler); err != nil {
		log.Fatalf("failed to serve %s: %v", subject, err)
	}
}

// failFor maps broker errors to protocol error codes.
func failFor(err error) []byte {
	switch {
	case errors.Is(err, auth.ErrNotAuthorized):
		return protocol.Fail(protocol.CodeNotAuthorized, err.Error())
	case errors.Is(err, broker.ErrRoomNotFound):
		return protocol.Fail(protocol.CodeRoomNotFound, err.Error())
	case errors.Is(err, broker.ErrInvalidContent):
		return protocol.Fail(protocol.CodeInvalidMessage, err.Error())
	default:
		log.Printf("[api] internal error: %v", err)
		return protocol.Fail(protocol.CodeInternal, "internal error")
	}
}
