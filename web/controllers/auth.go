package controllers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"wifibilling/session"
	"wifibilling/utils"
	"wifibilling/voucher"
	"wifibilling/web/db"
	"wifibilling/web/middleware"
)

func sessionResponse(s *db.Session) gin.H {
	return gin.H{
		"sessionId":     s.SessionID,
		"userId":        s.UserID,
		"packageId":     s.PackageID,
		"packageName":   s.PackageName,
		"macAddress":    s.MacAddress,
		"bandwidthMbps": s.BandwidthMbps,
		"startTime":     s.StartTime,
		"expiresAt":     s.ExpiresAt,
		"timeRemaining": session.TimeRemaining(s),
		"status":        s.Status,
	}
}

// Login checks whether the device already holds unexpired access. It never
// creates a session, that only happens through a payment or a voucher.
func Login(c *gin.Context) {
	var body struct {
		PhoneNumber string `json:"phoneNumber"`
		MacAddress  string `json:"macAddress"`
	}
	if c.Bind(&body) != nil || body.PhoneNumber == "" || body.MacAddress == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "phoneNumber and macAddress are required"})
		return
	}

	phone := utils.FormatPhoneNumber(body.PhoneNumber)
	if !utils.IsValidKenyanPhone(phone) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid phone number"})
		return
	}

	user, err := db.GetOrCreateUserByPhone(phone)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	db.DB.Model(&db.User{}).Where("user_id = ?", user.UserID).Update("last_login_at", time.Now())

	token, err := middleware.IssueToken(user)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create token"})
		return
	}

	active, err := session.ActiveForDevice(body.MacAddress)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	if active != nil {
		if active.UserID != user.UserID {
			c.JSON(http.StatusConflict, gin.H{"error": "Device is in use by another account"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"authenticated": true,
			"token":         token,
			"userId":        user.UserID,
			"session":       sessionResponse(active),
		})
		return
	}

	c.JSON(http.StatusPaymentRequired, gin.H{
		"authenticated": false,
		"token":         token,
		"userId":        user.UserID,
		"message":       "No active session, payment required",
	})
}

// RedeemVoucher exchanges a code for a session on the calling device.
func RedeemVoucher(c *gin.Context) {
	var body struct {
		Code        string `json:"code"`
		MacAddress  string `json:"macAddress"`
		IPAddress   string `json:"ipAddress"`
		GatewayID   string `json:"gatewayId"`
		PhoneNumber string `json:"phoneNumber"`
	}
	if c.Bind(&body) != nil || body.Code == "" || body.MacAddress == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "code and macAddress are required"})
		return
	}

	s, pkg, err := voucher.Redeem(c.Request.Context(), body.Code, body.MacAddress, body.IPAddress, body.GatewayID, body.PhoneNumber)
	if err != nil {
		switch {
		case errors.Is(err, voucher.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Voucher not found"})
		case errors.Is(err, voucher.ErrAlreadyUsed):
			c.JSON(http.StatusConflict, gin.H{"error": "Voucher already used"})
		case errors.Is(err, voucher.ErrDeviceMismatch):
			c.JSON(http.StatusConflict, gin.H{"error": "Voucher already used on another device"})
		case errors.Is(err, voucher.ErrExpired):
			c.JSON(http.StatusGone, gin.H{"error": "Voucher expired"})
		case errors.Is(err, voucher.ErrPackageInactive):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Package not available"})
		case errors.Is(err, session.ErrDeviceBusy):
			c.JSON(http.StatusConflict, gin.H{"error": "Device already has an active session"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"session": sessionResponse(s),
		"package": gin.H{
			"packageId":     pkg.PackageID,
			"name":          pkg.Name,
			"durationHours": pkg.DurationHours,
			"bandwidthMbps": pkg.BandwidthMbps,
		},
	})
}

// ValidateSession answers whether a session id still grants access.
func ValidateSession(c *gin.Context) {
	var body struct {
		SessionID string `json:"sessionId"`
	}
	if c.Bind(&body) != nil || body.SessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sessionId is required"})
		return
	}

	s, err := session.Validate(body.SessionID)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"valid": false, "error": "Session not found"})
		case errors.Is(err, session.ErrExpired):
			c.JSON(http.StatusOK, gin.H{"valid": false, "reason": "expired"})
		case errors.Is(err, session.ErrNotActive):
			c.JSON(http.StatusOK, gin.H{"valid": false, "reason": "terminated"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"valid": true, "session": sessionResponse(s)})
}

// Status looks up active access by mac, phone or userId. The mac path is
// what the portal hits right after a payment, so it comes first.
func Status(c *gin.Context) {
	mac := c.Query("mac")
	phone := c.Query("phone")
	userID := c.Query("userId")

	firstForUser := func(id string) (*db.Session, error) {
		sessions, err := session.ActiveForUser(id)
		if err != nil || len(sessions) == 0 {
			return nil, err
		}
		return &sessions[0], nil
	}

	var (
		s   *db.Session
		err error
	)
	switch {
	case mac != "":
		s, err = session.ActiveForDevice(mac)
	case phone != "":
		phone = utils.FormatPhoneNumber(phone)
		var user db.User
		if dberr := db.DB.Where("phone_number = ?", phone).First(&user).Error; dberr != nil {
			c.JSON(http.StatusOK, gin.H{"active": false})
			return
		}
		s, err = firstForUser(user.UserID)
	case userID != "":
		s, err = firstForUser(userID)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "mac, phone or userId is required"})
		return
	}

	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	if s == nil {
		c.JSON(http.StatusOK, gin.H{"active": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": true, "session": sessionResponse(s)})
}

// Logout terminates the caller's session and queues the gateway disconnect.
// Runs behind RequireAuth; only the session owner can end it.
func Logout(c *gin.Context) {
	var body struct {
		SessionID string `json:"sessionId"`
	}
	if c.Bind(&body) != nil || body.SessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sessionId is required"})
		return
	}

	var s db.Session
	if err := db.DB.Where("session_id = ?", body.SessionID).First(&s).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}
	if s.UserID != c.GetString("userId") {
		c.JSON(http.StatusForbidden, gin.H{"error": "Session belongs to another account"})
		return
	}

	if err := session.Terminate(c.Request.Context(), body.SessionID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}
