package coa

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"wifibilling/web/db"
)

func setupTestDB(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	db.DB = gdb
	db.Sync()
}

func createGateway(t *testing.T, gwType, endpoint, status string) string {
	gw := db.Gateway{
		GatewayID:    "gw_" + gwType,
		Name:         gwType + " test",
		Type:         gwType,
		APIEndpoint:  endpoint,
		RadiusSecret: "radius-secret",
		Status:       status,
	}
	if err := db.DB.Create(&gw).Error; err != nil {
		t.Fatalf("failed to create gateway: %v", err)
	}
	return gw.GatewayID
}

func marshalMessage(t *testing.T, msg Message) []byte {
	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	return body
}

func TestMikrotikAuthorize(t *testing.T) {
	setupTestDB(t)

	var gotPath string
	var gotBody map[string]interface{}
	var gotUser, gotPass string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUser, gotPass, _ = r.BasicAuth()
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	gwID := createGateway(t, "mikrotik", srv.URL, db.GatewayActive)

	body := marshalMessage(t, Message{
		Action:         ActionAuthorize,
		SessionID:      "session_1",
		UserID:         "user_1",
		MacAddress:     "AA:BB:CC:DD:EE:01",
		IPAddress:      "10.0.0.2",
		GatewayID:      gwID,
		BandwidthMbps:  10,
		SessionTimeout: 3600,
	})
	if err := HandleMessage(body); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	if gotPath != "/rest/ip/hotspot/active" {
		t.Errorf("wrong path: %s", gotPath)
	}
	if gotUser != "admin" || gotPass != "radius-secret" {
		t.Errorf("wrong basic auth: %s/%s", gotUser, gotPass)
	}
	if gotBody["rate-limit"] != "10M/10M" {
		t.Errorf("wrong rate limit: %v", gotBody["rate-limit"])
	}
	if gotBody["uptime"] != float64(3600) {
		t.Errorf("wrong uptime: %v", gotBody["uptime"])
	}
	if gotBody["mac-address"] != "AA:BB:CC:DD:EE:01" {
		t.Errorf("wrong mac: %v", gotBody["mac-address"])
	}
}

func TestUnifiAuthorize(t *testing.T) {
	setupTestDB(t)

	var gotPath string
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	gwID := createGateway(t, "unifi", srv.URL, db.GatewayActive)

	body := marshalMessage(t, Message{
		Action:         ActionAuthorize,
		MacAddress:     "AA:BB:CC:DD:EE:02",
		GatewayID:      gwID,
		BandwidthMbps:  5,
		SessionTimeout: 7200,
	})
	if err := HandleMessage(body); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	if gotPath != "/api/s/default/cmd/stamgr" {
		t.Errorf("wrong path: %s", gotPath)
	}
	if gotBody["cmd"] != "authorize-guest" {
		t.Errorf("wrong cmd: %v", gotBody["cmd"])
	}
	if gotBody["minutes"] != float64(120) {
		t.Errorf("expected timeout in minutes, got %v", gotBody["minutes"])
	}
	if gotBody["up"] != float64(5120) {
		t.Errorf("expected Kbps bandwidth, got %v", gotBody["up"])
	}
}

func TestPfsenseDisconnect(t *testing.T) {
	setupTestDB(t)

	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	gwID := createGateway(t, "pfsense", srv.URL, db.GatewayActive)

	body := marshalMessage(t, Message{
		Action:     ActionDisconnect,
		MacAddress: "AA:BB:CC:DD:EE:03",
		IPAddress:  "10.0.0.3",
		GatewayID:  gwID,
	})
	if err := HandleMessage(body); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	if gotBody["action"] != "disconnect" {
		t.Errorf("wrong action: %v", gotBody["action"])
	}
	if gotBody["mac"] != "AA:BB:CC:DD:EE:03" {
		t.Errorf("wrong mac: %v", gotBody["mac"])
	}
}

func TestOpenwrtAuthorizeUsesQueryParams(t *testing.T) {
	setupTestDB(t)

	var gotURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURL = r.URL.String()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	gwID := createGateway(t, "openwrt", srv.URL, db.GatewayActive)

	body := marshalMessage(t, Message{
		Action:        ActionAuthorize,
		SessionID:     "session_ow",
		MacAddress:    "AA:BB:CC:DD:EE:04",
		IPAddress:     "10.0.0.4",
		GatewayID:     gwID,
		BandwidthMbps: 8,
	})
	if err := HandleMessage(body); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	u, err := url.Parse(gotURL)
	if err != nil {
		t.Fatalf("failed to parse url: %v", err)
	}
	q := u.Query()
	if q.Get("token") != "session_ow" {
		t.Errorf("expected session id as token, got %q", q.Get("token"))
	}
	if q.Get("upload") != "8M" || q.Get("download") != "8M" {
		t.Errorf("expected 8M bandwidth strings, got %q/%q", q.Get("upload"), q.Get("download"))
	}
}

func TestDropsWithoutRetry(t *testing.T) {
	setupTestDB(t)

	// malformed payload
	if err := HandleMessage([]byte("{not json")); err != nil {
		t.Errorf("malformed message must be dropped, got %v", err)
	}

	// unknown gateway
	body := marshalMessage(t, Message{Action: ActionAuthorize, GatewayID: "gw_missing"})
	if err := HandleMessage(body); err != nil {
		t.Errorf("unknown gateway must be dropped, got %v", err)
	}

	// inactive gateway
	gwID := createGateway(t, "mikrotik", "http://127.0.0.1:1", db.GatewayInactive)
	body = marshalMessage(t, Message{Action: ActionAuthorize, GatewayID: gwID})
	if err := HandleMessage(body); err != nil {
		t.Errorf("inactive gateway must be dropped, got %v", err)
	}

	// unknown action
	active := db.Gateway{GatewayID: "gw_weird", Type: "mikrotik", APIEndpoint: "http://127.0.0.1:1", Status: db.GatewayActive}
	db.DB.Create(&active)
	body = marshalMessage(t, Message{Action: "reboot", GatewayID: "gw_weird"})
	if err := HandleMessage(body); err != nil {
		t.Errorf("unknown action must be dropped, got %v", err)
	}
}

func TestVendorErrorRequeues(t *testing.T) {
	setupTestDB(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	gwID := createGateway(t, "unifi", srv.URL, db.GatewayActive)

	body := marshalMessage(t, Message{Action: ActionAuthorize, GatewayID: gwID, MacAddress: "AA:BB:CC:DD:EE:05"})
	if err := HandleMessage(body); err == nil {
		t.Error("expected error so the queue redelivers")
	}
}
