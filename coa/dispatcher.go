package coa

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"wifibilling/web/db"
)

var logger = log.With().Str("component", "coa").Logger()

// All gateway calls share one client; vendors that don't answer within 5
// seconds count as failed and the message is redelivered.
var httpClient = &http.Client{Timeout: 5 * time.Second}

// vendor is the closed set of gateway integrations. Adding a router type
// means adding an implementation here and a case in vendorFor, nothing else.
type vendor interface {
	authorize(gw *db.Gateway, msg *Message) error
	disconnect(gw *db.Gateway, msg *Message) error
}

func vendorFor(gatewayType string) (vendor, bool) {
	switch gatewayType {
	case "mikrotik":
		return mikrotik{}, true
	case "unifi":
		return unifi{}, true
	case "pfsense":
		return pfsense{}, true
	case "openwrt":
		return openwrt{}, true
	default:
		return nil, false
	}
}

// HandleMessage processes one CoA queue message. Messages for unknown or
// inactive gateways are dropped (logged, nil return) rather than retried;
// vendor call failures are returned so the queue redelivers. Vendor calls set
// the gateway's current state so processing a duplicate is harmless.
func HandleMessage(body []byte) error {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		logger.Error().Err(err).Msg("dropping malformed CoA message")
		return nil
	}

	logger.Info().
		Str("action", msg.Action).
		Str("sessionId", msg.SessionID).
		Str("gatewayId", msg.GatewayID).
		Msg("processing CoA message")

	var gw db.Gateway
	if err := db.DB.Where("gateway_id = ?", msg.GatewayID).First(&gw).Error; err != nil {
		logger.Error().Str("gatewayId", msg.GatewayID).Msg("gateway not found, dropping message")
		return nil
	}

	if gw.Status != db.GatewayActive {
		logger.Warn().Str("gatewayId", gw.GatewayID).Str("status", gw.Status).Msg("gateway not active, dropping message")
		return nil
	}

	v, ok := vendorFor(gw.Type)
	if !ok {
		logger.Error().Str("type", gw.Type).Msg("unknown gateway type, dropping message")
		return nil
	}

	var err error
	switch msg.Action {
	case ActionAuthorize, ActionUpdate:
		err = v.authorize(&gw, &msg)
	case ActionDisconnect:
		err = v.disconnect(&gw, &msg)
	default:
		logger.Error().Str("action", msg.Action).Msg("unknown CoA action, dropping message")
		return nil
	}

	if err != nil {
		logger.Error().Err(err).
			Str("gatewayId", gw.GatewayID).
			Str("type", gw.Type).
			Msg("gateway call failed")
		return err
	}

	logger.Info().
		Str("gatewayId", gw.GatewayID).
		Str("sessionId", msg.SessionID).
		Msg("CoA applied")
	return nil
}

// postJSON performs one vendor POST and treats any non-2xx status as failure.
func postJSON(req *http.Request) error {
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("gateway returned status %s", resp.Status)
	}
	return nil
}
