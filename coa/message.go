package coa

import (
	"context"
	"math"
	"time"

	"wifibilling/queue"
	"wifibilling/web/db"
)

const (
	ActionAuthorize  = "authorize"
	ActionDisconnect = "disconnect"
	ActionUpdate     = "update"
)

// Message is the generic change-of-authorization command carried on the CoA
// queue. The dispatcher translates it into one vendor-specific gateway call.
type Message struct {
	Action         string `json:"action"`
	SessionID      string `json:"sessionId"`
	UserID         string `json:"userId"`
	MacAddress     string `json:"macAddress"`
	IPAddress      string `json:"ipAddress"`
	GatewayID      string `json:"gatewayId"`
	BandwidthMbps  int    `json:"bandwidthMbps"`
	SessionTimeout int    `json:"sessionTimeout"` // seconds
	Timestamp      string `json:"timestamp"`
}

// PublishAuthorize enqueues an authorize command for the session. The timeout
// is the time left until expiry, so re-authorizing an extended session grants
// exactly the remaining window.
func PublishAuthorize(ctx context.Context, s *db.Session) error {
	remaining := int(math.Max(0, time.Until(s.ExpiresAt).Seconds()))

	return queue.Publish(ctx, queue.CoAQueue, Message{
		Action:         ActionAuthorize,
		SessionID:      s.SessionID,
		UserID:         s.UserID,
		MacAddress:     s.MacAddress,
		IPAddress:      s.IPAddress,
		GatewayID:      s.GatewayID,
		BandwidthMbps:  s.BandwidthMbps,
		SessionTimeout: remaining,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	})
}

func PublishDisconnect(ctx context.Context, s *db.Session) error {
	return queue.Publish(ctx, queue.CoAQueue, Message{
		Action:     ActionDisconnect,
		SessionID:  s.SessionID,
		UserID:     s.UserID,
		MacAddress: s.MacAddress,
		IPAddress:  s.IPAddress,
		GatewayID:  s.GatewayID,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	})
}
