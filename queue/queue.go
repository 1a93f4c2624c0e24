package queue

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Queue names shared by the web service (producer) and the CoA service
// (consumer).
const (
	CoAQueue             = "wifibilling:coa"
	PaymentCallbackQueue = "wifibilling:payment-callback"
)

var rdb *redis.Client

var logger = log.With().Str("component", "queue").Logger()

func Connect() {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	rdb = redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       0,
	})
}

// Publish pushes a JSON-encoded message onto the named queue. Declared as a
// variable so tests can capture messages without a Redis server.
var Publish = func(ctx context.Context, queueName string, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return rdb.LPush(ctx, queueName, body).Err()
}

// Consume blocks on the named queue and invokes handler for every message.
// Delivery is at least once: when the handler errors, the raw message is
// pushed back onto the queue after a short delay, so handlers must tolerate
// duplicates. Consume returns when ctx is cancelled.
func Consume(ctx context.Context, queueName string, handler func(body []byte) error) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := rdb.BRPop(ctx, 5*time.Second, queueName).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error().Err(err).Str("queue", queueName).Msg("queue read failed")
			time.Sleep(time.Second)
			continue
		}

		// BRPop returns [queueName, value]
		body := []byte(res[1])
		if err := handler(body); err != nil {
			logger.Error().Err(err).Str("queue", queueName).Msg("handler failed, requeueing message")
			time.Sleep(time.Second)
			if pushErr := rdb.LPush(ctx, queueName, body).Err(); pushErr != nil {
				logger.Error().Err(pushErr).Str("queue", queueName).Msg("requeue failed, message dropped")
			}
		}
	}
}
