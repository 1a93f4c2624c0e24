package coa

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"wifibilling/web/db"
)

// Mikrotik RouterOS: rate limits are "<N>M" strings (same value up/down) and
// the timeout is the hotspot uptime in seconds.
type mikrotik struct{}

func (mikrotik) authorize(gw *db.Gateway, msg *Message) error {
	endpoint := gw.APIEndpoint + "/rest/ip/hotspot/active"
	bandwidth := fmt.Sprintf("%dM", msg.BandwidthMbps)

	payload := map[string]interface{}{
		"user":        msg.UserID,
		"address":     msg.IPAddress,
		"mac-address": msg.MacAddress,
		"uptime":      msg.SessionTimeout,
		"rate-limit":  bandwidth + "/" + bandwidth,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.SetBasicAuth("admin", gw.RadiusSecret)
	return postJSON(req)
}

func (mikrotik) disconnect(gw *db.Gateway, msg *Message) error {
	endpoint := gw.APIEndpoint + "/rest/ip/hotspot/active/remove"

	payload := map[string]interface{}{
		"mac-address": msg.MacAddress,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.SetBasicAuth("admin", gw.RadiusSecret)
	return postJSON(req)
}

// UniFi controller: bandwidth in Kbps with separate up/down fields, session
// length in minutes, no data cap.
type unifi struct{}

func (unifi) authorize(gw *db.Gateway, msg *Message) error {
	endpoint := gw.APIEndpoint + "/api/s/default/cmd/stamgr"
	kbps := msg.BandwidthMbps * 1024

	payload := map[string]interface{}{
		"cmd":     "authorize-guest",
		"mac":     msg.MacAddress,
		"minutes": msg.SessionTimeout / 60,
		"up":      kbps,
		"down":    kbps,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	return postJSON(req)
}

func (unifi) disconnect(gw *db.Gateway, msg *Message) error {
	endpoint := gw.APIEndpoint + "/api/s/default/cmd/stamgr"

	payload := map[string]interface{}{
		"cmd": "unauthorize-guest",
		"mac": msg.MacAddress,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	return postJSON(req)
}

// pfSense captive portal: Kbps up/down, timeout in seconds.
type pfsense struct{}

func (pfsense) authorize(gw *db.Gateway, msg *Message) error {
	endpoint := gw.APIEndpoint + "/api/v1/services/captiveportal"
	kbps := msg.BandwidthMbps * 1024

	payload := map[string]interface{}{
		"action":         "authorize",
		"mac":            msg.MacAddress,
		"ip":             msg.IPAddress,
		"bandwidth_up":   kbps,
		"bandwidth_down": kbps,
		"timeout":        msg.SessionTimeout,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	return postJSON(req)
}

func (pfsense) disconnect(gw *db.Gateway, msg *Message) error {
	endpoint := gw.APIEndpoint + "/api/v1/services/captiveportal"

	payload := map[string]interface{}{
		"action": "disconnect",
		"mac":    msg.MacAddress,
		"ip":     msg.IPAddress,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	return postJSON(req)
}

// OpenWrt (nodogsplash): GET with query parameters, "<N>M" bandwidth strings
// and the session id as an auth token instead of a MAC-keyed timeout.
type openwrt struct{}

func (openwrt) authorize(gw *db.Gateway, msg *Message) error {
	endpoint := gw.APIEndpoint + "/cgi-bin/nodogsplash/auth"
	bandwidth := fmt.Sprintf("%dM", msg.BandwidthMbps)

	params := url.Values{}
	params.Set("mac", msg.MacAddress)
	params.Set("ip", msg.IPAddress)
	params.Set("token", msg.SessionID)
	params.Set("upload", bandwidth)
	params.Set("download", bandwidth)

	req, err := http.NewRequest(http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	return postJSON(req)
}

func (openwrt) disconnect(gw *db.Gateway, msg *Message) error {
	endpoint := gw.APIEndpoint + "/cgi-bin/nodogsplash/deauth"

	params := url.Values{}
	params.Set("mac", msg.MacAddress)
	params.Set("token", msg.SessionID)

	req, err := http.NewRequest(http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	return postJSON(req)
}
