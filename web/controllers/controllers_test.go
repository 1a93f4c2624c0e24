package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"wifibilling/queue"
	"wifibilling/session"
	"wifibilling/web/db"
	"wifibilling/web/middleware"
)

func setupTest(t *testing.T) *gin.Engine {
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("failed to get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	db.DB = gdb
	db.Sync()

	queue.Publish = func(ctx context.Context, queueName string, v interface{}) error {
		return nil
	}

	t.Setenv("SECRET", "test-secret")

	r := gin.New()
	r.POST("/auth/login", Login)
	r.POST("/auth/voucher", RedeemVoucher)
	r.POST("/auth/validate", ValidateSession)
	r.GET("/auth/status", Status)
	r.POST("/auth/logout", middleware.RequireAuth, Logout)
	r.POST("/payment/callback", PaymentCallback)
	r.GET("/payment/packages", ListPackages)
	return r
}

func seedPackage(t *testing.T) *db.Package {
	pkg := db.Package{
		PackageID:     "pkg_test",
		Name:          "Test Package",
		DurationHours: 2,
		BandwidthMbps: 10,
		PriceKES:      100,
		Status:        db.PackageActive,
	}
	if err := db.DB.Create(&pkg).Error; err != nil {
		t.Fatalf("failed to create package: %v", err)
	}
	return &pkg
}

func postJSONBody(t *testing.T, r *gin.Engine, path string, body interface{}) *httptest.ResponseRecorder {
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestLoginWithoutSessionRequiresPayment(t *testing.T) {
	r := setupTest(t)

	w := postJSONBody(t, r, "/auth/login", gin.H{
		"phoneNumber": "0712345678",
		"macAddress":  "AA:BB:CC:DD:EE:01",
	})
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["authenticated"] != false {
		t.Error("expected authenticated false")
	}
	if resp["token"] == "" || resp["token"] == nil {
		t.Error("expected a token even without a session")
	}
}

func TestLoginReusesActiveSession(t *testing.T) {
	r := setupTest(t)
	pkg := seedPackage(t)

	user, _ := db.GetOrCreateUserByPhone("254712345678")
	s, err := session.Create(context.Background(), user, "AA:BB:CC:DD:EE:02", "10.0.0.2", "gw_1", pkg)
	if err != nil {
		t.Fatalf("create session failed: %v", err)
	}

	w := postJSONBody(t, r, "/auth/login", gin.H{
		"phoneNumber": "0712345678",
		"macAddress":  "AA:BB:CC:DD:EE:02",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Authenticated bool `json:"authenticated"`
		Session       struct {
			SessionID     string `json:"sessionId"`
			TimeRemaining int    `json:"timeRemaining"`
		} `json:"session"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.Authenticated {
		t.Error("expected authenticated true")
	}
	if resp.Session.SessionID != s.SessionID {
		t.Errorf("expected same session %s, got %s", s.SessionID, resp.Session.SessionID)
	}
	if resp.Session.TimeRemaining <= 0 || resp.Session.TimeRemaining > 7200 {
		t.Errorf("expected remaining in (0, 7200], got %d", resp.Session.TimeRemaining)
	}
}

func TestLoginConflictsWhenDeviceOwnedByOther(t *testing.T) {
	r := setupTest(t)
	pkg := seedPackage(t)

	owner, _ := db.GetOrCreateUserByPhone("254712000001")
	if _, err := session.Create(context.Background(), owner, "AA:BB:CC:DD:EE:03", "10.0.0.2", "gw_1", pkg); err != nil {
		t.Fatalf("create session failed: %v", err)
	}

	w := postJSONBody(t, r, "/auth/login", gin.H{
		"phoneNumber": "0712000002",
		"macAddress":  "AA:BB:CC:DD:EE:03",
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestLoginRejectsBadPhone(t *testing.T) {
	r := setupTest(t)

	w := postJSONBody(t, r, "/auth/login", gin.H{
		"phoneNumber": "12345",
		"macAddress":  "AA:BB:CC:DD:EE:04",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestVoucherEndpointEndToEnd(t *testing.T) {
	r := setupTest(t)
	pkg := seedPackage(t)

	db.DB.Create(&db.Voucher{Code: "WIFI-TEST-0001-AAAA", PackageID: pkg.PackageID, Status: db.VoucherUnused})

	w := postJSONBody(t, r, "/auth/voucher", gin.H{
		"code":       "WIFI-TEST-0001-AAAA",
		"macAddress": "AA:BB:CC:DD:EE:05",
		"ipAddress":  "10.0.0.5",
		"gatewayId":  "gw_1",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Session struct {
			SessionID string `json:"sessionId"`
		} `json:"session"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Session.SessionID == "" {
		t.Fatal("expected a session id")
	}

	// validate sees the granted session
	w = postJSONBody(t, r, "/auth/validate", gin.H{"sessionId": resp.Session.SessionID})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var vresp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &vresp)
	if vresp["valid"] != true {
		t.Error("expected valid session")
	}

	// second device is turned away
	w = postJSONBody(t, r, "/auth/voucher", gin.H{
		"code":       "WIFI-TEST-0001-AAAA",
		"macAddress": "AA:BB:CC:DD:EE:06",
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for second device, got %d", w.Code)
	}

	// status by mac is the fast path
	req := httptest.NewRequest(http.MethodGet, "/auth/status?mac=AA:BB:CC:DD:EE:05", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var sresp map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &sresp)
	if sresp["active"] != true {
		t.Error("expected active true for device with session")
	}

	// logout without a token is turned away
	w = postJSONBody(t, r, "/auth/logout", gin.H{"sessionId": resp.Session.SessionID})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}

	// the session owner logs out and the session terminates
	var granted db.Session
	if err := db.DB.Where("session_id = ?", resp.Session.SessionID).First(&granted).Error; err != nil {
		t.Fatalf("fetch session failed: %v", err)
	}
	var owner db.User
	if err := db.DB.Where("user_id = ?", granted.UserID).First(&owner).Error; err != nil {
		t.Fatalf("fetch owner failed: %v", err)
	}
	token, err := middleware.IssueToken(&owner)
	if err != nil {
		t.Fatalf("issue token failed: %v", err)
	}

	raw, _ := json.Marshal(gin.H{"sessionId": resp.Session.SessionID})
	lreq := httptest.NewRequest(http.MethodPost, "/auth/logout", bytes.NewReader(raw))
	lreq.Header.Set("Content-Type", "application/json")
	lreq.Header.Set("Authorization", "Bearer "+token)
	lrec := httptest.NewRecorder()
	r.ServeHTTP(lrec, lreq)
	if lrec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", lrec.Code, lrec.Body.String())
	}

	w = postJSONBody(t, r, "/auth/validate", gin.H{"sessionId": resp.Session.SessionID})
	json.Unmarshal(w.Body.Bytes(), &vresp)
	if vresp["valid"] != false {
		t.Error("expected invalid after logout")
	}
}

func TestLogoutRejectsNonOwner(t *testing.T) {
	r := setupTest(t)
	pkg := seedPackage(t)

	owner, _ := db.GetOrCreateUserByPhone("254712000011")
	s, err := session.Create(context.Background(), owner, "AA:BB:CC:DD:EE:08", "10.0.0.8", "gw_1", pkg)
	if err != nil {
		t.Fatalf("create session failed: %v", err)
	}

	other, _ := db.GetOrCreateUserByPhone("254712000012")
	token, err := middleware.IssueToken(other)
	if err != nil {
		t.Fatalf("issue token failed: %v", err)
	}

	raw, _ := json.Marshal(gin.H{"sessionId": s.SessionID})
	req := httptest.NewRequest(http.MethodPost, "/auth/logout", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for non-owner, got %d: %s", w.Code, w.Body.String())
	}

	var live db.Session
	db.DB.Where("session_id = ?", s.SessionID).First(&live)
	if live.Status != db.SessionActive {
		t.Errorf("session should stay active, got %s", live.Status)
	}
}

func TestCallbackAlwaysACKs(t *testing.T) {
	r := setupTest(t)

	bodies := []string{
		`{not json`,
		`{}`,
		`{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_unknown","ResultCode":0}}}`,
	}
	for _, body := range bodies {
		req := httptest.NewRequest(http.MethodPost, "/payment/callback", bytes.NewReader([]byte(body)))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("callback must ACK for body %q, got %d", body, w.Code)
		}
		var resp map[string]interface{}
		json.Unmarshal(w.Body.Bytes(), &resp)
		if resp["ResultCode"] != float64(0) {
			t.Errorf("expected ResultCode 0 ACK, got %v", resp["ResultCode"])
		}
	}
}

func TestListPackagesOnlyActive(t *testing.T) {
	r := setupTest(t)
	seedPackage(t)
	db.DB.Create(&db.Package{PackageID: "pkg_off", Name: "Retired", DurationHours: 1, BandwidthMbps: 5, PriceKES: 20, Status: db.PackageInactive})

	req := httptest.NewRequest(http.MethodGet, "/payment/packages", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp struct {
		Packages []struct {
			PackageID string `json:"packageId"`
		} `json:"packages"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Packages) != 1 || resp.Packages[0].PackageID != "pkg_test" {
		t.Errorf("expected only the active package, got %+v", resp.Packages)
	}
}

func TestValidateExpiredSession(t *testing.T) {
	r := setupTest(t)
	pkg := seedPackage(t)

	user, _ := db.GetOrCreateUserByPhone("254712345679")
	s, err := session.Create(context.Background(), user, "AA:BB:CC:DD:EE:07", "10.0.0.2", "gw_1", pkg)
	if err != nil {
		t.Fatalf("create session failed: %v", err)
	}
	db.DB.Model(&db.Session{}).Where("session_id = ?", s.SessionID).Update("expires_at", time.Now().Add(-time.Minute))

	w := postJSONBody(t, r, "/auth/validate", gin.H{"sessionId": s.SessionID})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["valid"] != false || resp["reason"] != "expired" {
		t.Errorf("expected expired report, got %v", resp)
	}
}
