package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rollcall/internal/config"
	"rollcall/internal/notify"
	"rollcall/internal/queue"
	"rollcall/internal/store"
)

var (
	pushesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollcall_pushes_sent_total",
		Help: "Push messages handed to the gateway.",
	})
	pushesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollcall_pushes_failed_total",
		Help: "Push batches the gateway rejected or that timed out.",
	})
)

// Worker consumes status-change messages and fans them out to registered
// devices. Delivery is best-effort: one attempt per message, failures are
// logged and the message is dropped.
func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, cfg.QueueKey)
	}

	tokens := notify.NewTokenStore(db.Client, cfg.StoreTimeout)
	client := notify.New(cfg.PushGatewayURL, cfg.NotifyTimeout, cfg.PushSkip)
	if cfg.PushSkip {
		log.Println("push gateway disabled (PUSH_SKIP=true), messages will be dropped after logging")
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		log.Printf("worker metrics on :%s", cfg.MetricsPort)
		if err := http.ListenAndServe(":"+cfg.MetricsPort, mux); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for messages...")
	for msg := range messages {
		var payload notify.Payload
		if err := json.Unmarshal(msg.Body, &payload); err != nil {
			log.Printf("bad message body, dropping: %v", err)
			continue
		}

		var recipients []string
		switch msg.Type {
		case "student":
			recipients, err = tokens.TokensForStudent(ctx, payload.StudentID)
		case "broadcast":
			recipients, err = tokens.AllTokens(ctx)
		default:
			log.Printf("unknown message type %q, dropping", msg.Type)
			continue
		}
		if err != nil {
			log.Printf("token lookup failed for %s: %v", msg.Type, err)
			continue
		}
		if len(recipients) == 0 {
			continue
		}

		pushes := make([]notify.PushMessage, 0, len(recipients))
		for _, to := range recipients {
			push := notify.PushMessage{
				To:        to,
				Sound:     "default",
				Title:     payload.Title,
				Body:      payload.Body,
				Priority:  payload.Priority,
				ChannelID: payload.Channel,
			}
			if payload.StudentID != "" {
				push.Data = map[string]any{"student_id": payload.StudentID}
			}
			pushes = append(pushes, push)
		}

		for _, batch := range notify.Batch(pushes, 100) {
			if err := client.Send(ctx, batch); err != nil {
				pushesFailed.Inc()
				log.Printf("push batch failed (%d recipients): %v", len(batch), err)
				continue
			}
			pushesSent.Add(float64(len(batch)))
		}
		log.Printf("%s notification fanned out to %d device(s)", msg.Type, len(recipients))
	}

	log.Println("worker stopped")
}
