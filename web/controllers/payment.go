package controllers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"wifibilling/payment"
	"wifibilling/payment/mpesa"
	"wifibilling/session"
	"wifibilling/web/db"
)

func transactionResponse(tx *db.Transaction) gin.H {
	return gin.H{
		"transactionId":     tx.TransactionID,
		"checkoutRequestId": tx.CheckoutRequestID,
		"status":            tx.Status,
		"amount":            tx.Amount,
		"packageId":         tx.PackageID,
		"packageName":       tx.PackageName,
		"phoneNumber":       tx.PhoneNumber,
		"resultDesc":        tx.ResultDesc,
	}
}

// InitiatePayment sends the STK push and reports how far the inline
// confirmation window got. A session in the response means the subscriber
// paid before the window closed.
func InitiatePayment(c *gin.Context) {
	var body struct {
		PhoneNumber string `json:"phoneNumber"`
		PackageID   string `json:"packageId"`
		MacAddress  string `json:"macAddress"`
		IPAddress   string `json:"ipAddress"`
		GatewayID   string `json:"gatewayId"`
	}
	if c.Bind(&body) != nil || body.PhoneNumber == "" || body.PackageID == "" || body.MacAddress == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "phoneNumber, packageId and macAddress are required"})
		return
	}

	tx, s, err := payment.Initiate(c.Request.Context(), body.PhoneNumber, body.PackageID, body.MacAddress, body.IPAddress, body.GatewayID)
	if err != nil {
		switch {
		case errors.Is(err, payment.ErrInvalidPhone):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid phone number"})
		case errors.Is(err, payment.ErrPackageInactive):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Package not available"})
		case errors.Is(err, session.ErrDeviceBusy):
			c.JSON(http.StatusConflict, gin.H{"error": "Device already has an active session"})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": "Payment request failed, please try again"})
		}
		return
	}

	resp := gin.H{"transaction": transactionResponse(tx)}
	if s != nil {
		resp["session"] = sessionResponse(s)
	}
	c.JSON(http.StatusOK, resp)
}

// PaymentStatus serves the portal's polling loop.
func PaymentStatus(c *gin.Context) {
	checkoutID := c.Query("checkoutRequestId")
	if checkoutID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "checkoutRequestId is required"})
		return
	}

	tx, s, err := payment.QueryStatus(c.Request.Context(), checkoutID)
	if err != nil {
		if errors.Is(err, payment.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Transaction not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	resp := gin.H{"transaction": transactionResponse(tx)}
	if s != nil {
		resp["session"] = sessionResponse(s)
	}
	c.JSON(http.StatusOK, resp)
}

// QueryPayment forces a provider-side status check.
func QueryPayment(c *gin.Context) {
	var body struct {
		CheckoutRequestID string `json:"checkoutRequestId"`
	}
	if c.Bind(&body) != nil || body.CheckoutRequestID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "checkoutRequestId is required"})
		return
	}

	tx, s, err := payment.QueryStatus(c.Request.Context(), body.CheckoutRequestID)
	if err != nil {
		if errors.Is(err, payment.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Transaction not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	resp := gin.H{"transaction": transactionResponse(tx)}
	if s != nil {
		resp["session"] = sessionResponse(s)
	}
	c.JSON(http.StatusOK, resp)
}

// PaymentCallback receives the provider webhook. It always ACKs, whatever
// happens inside, so the provider does not hammer us with retries.
func PaymentCallback(c *gin.Context) {
	ack := gin.H{"ResultCode": 0, "ResultDesc": "Accepted"}

	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusOK, ack)
		return
	}

	payment.MirrorCallback(c.Request.Context(), raw)

	var envelope mpesa.CallbackEnvelope
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Body.StkCallback.CheckoutRequestID != "" {
		// errors are logged downstream, the provider still gets an ACK
		_ = payment.HandleCallback(c.Request.Context(), &envelope.Body.StkCallback)
	}

	c.JSON(http.StatusOK, ack)
}

// ListPackages returns the purchasable packages.
func ListPackages(c *gin.Context) {
	var packages []db.Package
	if err := db.DB.Where("status = ?", db.PackageActive).Order("price_kes asc").Find(&packages).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	out := make([]gin.H, 0, len(packages))
	for _, p := range packages {
		out = append(out, gin.H{
			"packageId":     p.PackageID,
			"name":          p.Name,
			"description":   p.Description,
			"durationHours": p.DurationHours,
			"bandwidthMbps": p.BandwidthMbps,
			"priceKES":      p.PriceKES,
		})
	}
	c.JSON(http.StatusOK, gin.H{"packages": out})
}
