package main

import (
	"context"
	"encoding/json"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"wifibilling/coa"
	"wifibilling/payment"
	"wifibilling/payment/mpesa"
	"wifibilling/queue"
	"wifibilling/utils"
	"wifibilling/web/db"
)

func init() {
	utils.LoadEnv()
	db.Connect()
	db.Sync()
}

func main() {
	queue.Connect()
	payment.SetProvider(mpesa.NewFromEnv())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// second settlement path for webhooks the synchronous handler missed
	go queue.Consume(ctx, queue.PaymentCallbackQueue, func(body []byte) error {
		var envelope mpesa.CallbackEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			log.Warn().Err(err).Msg("malformed callback message, dropping")
			return nil
		}
		if envelope.Body.StkCallback.CheckoutRequestID == "" {
			return nil
		}
		return payment.HandleCallback(ctx, &envelope.Body.StkCallback)
	})

	log.Info().Msg("coa service consuming")
	queue.Consume(ctx, queue.CoAQueue, coa.HandleMessage)
}
