package controllers

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"wifibilling/session"
	"wifibilling/utils"
	"wifibilling/voucher"
	"wifibilling/web/db"
	"wifibilling/web/middleware"
)

// AdminLogin authenticates staff with phone and password.
func AdminLogin(c *gin.Context) {
	var body struct {
		PhoneNumber string `json:"phoneNumber"`
		Password    string `json:"password"`
	}
	if c.Bind(&body) != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read body"})
		return
	}

	phone := utils.FormatPhoneNumber(body.PhoneNumber)

	var user db.User
	db.DB.First(&user, "phone_number = ?", phone)
	if user.ID == 0 || !user.HasRole("admin") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid phone or password"})
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(body.Password)); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid phone or password"})
		return
	}

	token, err := middleware.IssueToken(&user)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to create token"})
		return
	}

	db.DB.Model(&db.User{}).Where("user_id = ?", user.UserID).Update("last_login_at", time.Now())
	c.JSON(http.StatusOK, gin.H{"token": token})
}

// Dashboard aggregates revenue, entity counts and host health.
func Dashboard(c *gin.Context) {
	now := time.Now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())

	var revenueTotal, revenueToday, revenueMonth float64
	db.DB.Model(&db.Transaction{}).Where("status = ?", db.TxCompleted).
		Select("COALESCE(SUM(amount), 0)").Row().Scan(&revenueTotal)
	db.DB.Model(&db.Transaction{}).Where("status = ? AND completed_at >= ?", db.TxCompleted, today).
		Select("COALESCE(SUM(amount), 0)").Row().Scan(&revenueToday)
	db.DB.Model(&db.Transaction{}).Where("status = ? AND completed_at >= ?", db.TxCompleted, monthStart).
		Select("COALESCE(SUM(amount), 0)").Row().Scan(&revenueMonth)

	var userCount, activeSessions, gatewayCount, txCount int64
	db.DB.Model(&db.User{}).Count(&userCount)
	db.DB.Model(&db.Session{}).Where("status = ? AND expires_at > ?", db.SessionActive, now).Count(&activeSessions)
	db.DB.Model(&db.Gateway{}).Count(&gatewayCount)
	db.DB.Model(&db.Transaction{}).Count(&txCount)

	var recent []db.Transaction
	db.DB.Order("created_at desc").Limit(10).Find(&recent)
	recentOut := make([]gin.H, 0, len(recent))
	for i := range recent {
		recentOut = append(recentOut, transactionResponse(&recent[i]))
	}

	hostStats := gin.H{}
	if cpuUsage, err := cpu.Percent(0, false); err == nil && len(cpuUsage) > 0 {
		hostStats["cpuPercent"] = cpuUsage[0]
	}
	if memInfo, err := mem.VirtualMemory(); err == nil {
		hostStats["memPercent"] = memInfo.UsedPercent
		hostStats["memTotal"] = memInfo.Total
	}

	c.JSON(http.StatusOK, gin.H{
		"revenue": gin.H{
			"total": revenueTotal,
			"today": revenueToday,
			"month": revenueMonth,
		},
		"counts": gin.H{
			"users":          userCount,
			"activeSessions": activeSessions,
			"gateways":       gatewayCount,
			"transactions":   txCount,
		},
		"recentTransactions": recentOut,
		"host":               hostStats,
	})
}

func ListUsers(c *gin.Context) {
	var users []db.User
	if err := db.DB.Order("created_at desc").Find(&users).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	out := make([]gin.H, 0, len(users))
	for i := range users {
		u := &users[i]
		out = append(out, gin.H{
			"userId":      u.UserID,
			"phoneNumber": u.PhoneNumber,
			"roles":       u.RoleList(),
			"status":      u.Status,
			"createdAt":   u.CreatedAt,
			"lastLoginAt": u.LastLoginAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"users": out})
}

func GetUser(c *gin.Context) {
	var user db.User
	if err := db.DB.Where("user_id = ?", c.Param("id")).First(&user).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}

	var sessions []db.Session
	db.DB.Where("user_id = ?", user.UserID).Order("created_at desc").Limit(20).Find(&sessions)
	var transactions []db.Transaction
	db.DB.Where("user_id = ?", user.UserID).Order("created_at desc").Limit(20).Find(&transactions)

	sessOut := make([]gin.H, 0, len(sessions))
	for i := range sessions {
		sessOut = append(sessOut, sessionResponse(&sessions[i]))
	}
	txOut := make([]gin.H, 0, len(transactions))
	for i := range transactions {
		txOut = append(txOut, transactionResponse(&transactions[i]))
	}

	c.JSON(http.StatusOK, gin.H{
		"user": gin.H{
			"userId":      user.UserID,
			"phoneNumber": user.PhoneNumber,
			"roles":       user.RoleList(),
			"status":      user.Status,
			"createdAt":   user.CreatedAt,
			"lastLoginAt": user.LastLoginAt,
		},
		"sessions":     sessOut,
		"transactions": txOut,
	})
}

func ListSessions(c *gin.Context) {
	q := db.DB.Order("created_at desc").Limit(200)
	if status := c.Query("status"); status != "" {
		q = q.Where("status = ?", status)
	}

	var sessions []db.Session
	if err := q.Find(&sessions).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	out := make([]gin.H, 0, len(sessions))
	for i := range sessions {
		out = append(out, sessionResponse(&sessions[i]))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

// AdminTerminateSession kicks a session off the network.
func AdminTerminateSession(c *gin.Context) {
	if err := session.Terminate(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func ListTransactions(c *gin.Context) {
	q := db.DB.Order("created_at desc").Limit(200)
	if status := c.Query("status"); status != "" {
		q = q.Where("status = ?", status)
	}
	if phone := c.Query("phone"); phone != "" {
		q = q.Where("phone_number = ?", utils.FormatPhoneNumber(phone))
	}

	var transactions []db.Transaction
	if err := q.Find(&transactions).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	out := make([]gin.H, 0, len(transactions))
	for i := range transactions {
		out = append(out, transactionResponse(&transactions[i]))
	}
	c.JSON(http.StatusOK, gin.H{"transactions": out})
}

// GenerateVouchers mints a batch of codes for a package.
func GenerateVouchers(c *gin.Context) {
	var body struct {
		PackageID  string `json:"packageId"`
		Quantity   int    `json:"quantity"`
		ExpiryDays int    `json:"expiryDays"`
	}
	if c.Bind(&body) != nil || body.PackageID == "" || body.Quantity <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "packageId and a positive quantity are required"})
		return
	}
	if body.Quantity > 1000 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "quantity must be at most 1000"})
		return
	}

	vouchers, batchID, err := voucher.GenerateBatch(body.PackageID, body.Quantity, body.ExpiryDays)
	if err != nil {
		if errors.Is(err, voucher.ErrPackageInactive) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Package not available"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	codes := make([]string, 0, len(vouchers))
	for _, v := range vouchers {
		codes = append(codes, v.Code)
	}
	c.JSON(http.StatusOK, gin.H{"batchId": batchID, "codes": codes})
}

func ListVouchers(c *gin.Context) {
	q := db.DB.Order("created_at desc").Limit(500)
	if batch := c.Query("batchId"); batch != "" {
		q = q.Where("batch_id = ?", batch)
	}
	if status := c.Query("status"); status != "" {
		q = q.Where("status = ?", status)
	}

	var vouchers []db.Voucher
	if err := q.Find(&vouchers).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	out := make([]gin.H, 0, len(vouchers))
	for _, v := range vouchers {
		out = append(out, gin.H{
			"code":      v.Code,
			"packageId": v.PackageID,
			"batchId":   v.BatchID,
			"status":    v.Status,
			"expiresAt": v.ExpiresAt,
			"usedAt":    v.UsedAt,
			"usedBy":    v.UsedBy,
			"usedByMac": v.UsedByMac,
		})
	}
	c.JSON(http.StatusOK, gin.H{"vouchers": out})
}

// ExportVouchersCSV streams a batch as CSV for printing.
func ExportVouchersCSV(c *gin.Context) {
	batchID := c.Query("batchId")
	if batchID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "batchId is required"})
		return
	}

	var vouchers []db.Voucher
	if err := db.DB.Where("batch_id = ?", batchID).Order("code asc").Find(&vouchers).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	csv := "code,packageId,status,expiresAt\n"
	for _, v := range vouchers {
		expires := ""
		if v.ExpiresAt != nil {
			expires = v.ExpiresAt.Format(time.RFC3339)
		}
		csv += fmt.Sprintf("%s,%s,%s,%s\n", v.Code, v.PackageID, v.Status, expires)
	}

	c.Header("Content-Disposition", "attachment; filename=vouchers_"+batchID+".csv")
	c.Data(http.StatusOK, "text/csv", []byte(csv))
}

// VoucherQR serves a printable QR for one code.
func VoucherQR(c *gin.Context) {
	code := c.Param("code")

	var v db.Voucher
	if err := db.DB.Where("code = ?", code).First(&v).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Voucher not found"})
		return
	}

	png, err := voucher.QRPNG(v.Code)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to render QR"})
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

func ListGateways(c *gin.Context) {
	var gateways []db.Gateway
	if err := db.DB.Order("created_at desc").Find(&gateways).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	out := make([]gin.H, 0, len(gateways))
	for _, g := range gateways {
		out = append(out, gin.H{
			"gatewayId":   g.GatewayID,
			"name":        g.Name,
			"location":    g.Location,
			"type":        g.Type,
			"apiEndpoint": g.APIEndpoint,
			"status":      g.Status,
		})
	}
	c.JSON(http.StatusOK, gin.H{"gateways": out})
}

func isGatewayType(t string) bool {
	switch t {
	case "mikrotik", "unifi", "pfsense", "openwrt":
		return true
	}
	return false
}

func CreateGateway(c *gin.Context) {
	var body struct {
		Name         string `json:"name"`
		Location     string `json:"location"`
		Type         string `json:"type"`
		APIEndpoint  string `json:"apiEndpoint"`
		RadiusSecret string `json:"radiusSecret"`
	}
	if c.Bind(&body) != nil || body.Name == "" || body.APIEndpoint == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name and apiEndpoint are required"})
		return
	}
	if !isGatewayType(body.Type) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "type must be one of mikrotik, unifi, pfsense, openwrt"})
		return
	}

	gw := db.Gateway{
		GatewayID:    utils.GenerateID("gw"),
		Name:         body.Name,
		Location:     body.Location,
		Type:         body.Type,
		APIEndpoint:  body.APIEndpoint,
		RadiusSecret: body.RadiusSecret,
		Status:       db.GatewayActive,
	}
	if err := db.DB.Create(&gw).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"gatewayId": gw.GatewayID})
}

func UpdateGateway(c *gin.Context) {
	var body struct {
		Name         string `json:"name"`
		Location     string `json:"location"`
		Type         string `json:"type"`
		APIEndpoint  string `json:"apiEndpoint"`
		RadiusSecret string `json:"radiusSecret"`
		Status       string `json:"status"`
	}
	if c.Bind(&body) != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read body"})
		return
	}

	updates := map[string]interface{}{}
	if body.Name != "" {
		updates["name"] = body.Name
	}
	if body.Location != "" {
		updates["location"] = body.Location
	}
	if body.Type != "" {
		if !isGatewayType(body.Type) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "type must be one of mikrotik, unifi, pfsense, openwrt"})
			return
		}
		updates["type"] = body.Type
	}
	if body.APIEndpoint != "" {
		updates["api_endpoint"] = body.APIEndpoint
	}
	if body.RadiusSecret != "" {
		updates["radius_secret"] = body.RadiusSecret
	}
	if body.Status != "" {
		if body.Status != db.GatewayActive && body.Status != db.GatewayInactive {
			c.JSON(http.StatusBadRequest, gin.H{"error": "status must be active or inactive"})
			return
		}
		updates["status"] = body.Status
	}

	res := db.DB.Model(&db.Gateway{}).Where("gateway_id = ?", c.Param("id")).Updates(updates)
	if res.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	if res.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "Gateway not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func DeleteGateway(c *gin.Context) {
	res := db.DB.Model(&db.Gateway{}).
		Where("gateway_id = ?", c.Param("id")).
		Update("status", db.GatewayInactive)
	if res.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	if res.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "Gateway not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func validatePackageFields(name string, durationHours float64, bandwidthMbps int, priceKES float64) string {
	if len(name) < 3 || len(name) > 50 {
		return "name must be 3 to 50 characters"
	}
	if durationHours <= 0 || durationHours > 168 {
		return "durationHours must be in (0, 168]"
	}
	if bandwidthMbps < 1 || bandwidthMbps > 100 {
		return "bandwidthMbps must be between 1 and 100"
	}
	if priceKES <= 0 || priceKES > 10000 {
		return "priceKES must be in (0, 10000]"
	}
	return ""
}

func CreatePackage(c *gin.Context) {
	var body struct {
		Name          string  `json:"name"`
		Description   string  `json:"description"`
		DurationHours float64 `json:"durationHours"`
		BandwidthMbps int     `json:"bandwidthMbps"`
		PriceKES      float64 `json:"priceKES"`
	}
	if c.Bind(&body) != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read body"})
		return
	}
	if msg := validatePackageFields(body.Name, body.DurationHours, body.BandwidthMbps, body.PriceKES); msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}

	pkg := db.Package{
		PackageID:     utils.GenerateID("pkg"),
		Name:          body.Name,
		Description:   body.Description,
		DurationHours: body.DurationHours,
		BandwidthMbps: body.BandwidthMbps,
		PriceKES:      body.PriceKES,
		Status:        db.PackageActive,
		CreatedBy:     c.GetString("userId"),
	}
	if err := db.DB.Create(&pkg).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"packageId": pkg.PackageID})
}

func UpdatePackage(c *gin.Context) {
	var pkg db.Package
	if err := db.DB.Where("package_id = ?", c.Param("id")).First(&pkg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Package not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	var body struct {
		Name          string   `json:"name"`
		Description   *string  `json:"description"`
		DurationHours *float64 `json:"durationHours"`
		BandwidthMbps *int     `json:"bandwidthMbps"`
		PriceKES      *float64 `json:"priceKES"`
		Status        string   `json:"status"`
	}
	if c.Bind(&body) != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read body"})
		return
	}

	if body.Name != "" {
		pkg.Name = body.Name
	}
	if body.Description != nil {
		pkg.Description = *body.Description
	}
	if body.DurationHours != nil {
		pkg.DurationHours = *body.DurationHours
	}
	if body.BandwidthMbps != nil {
		pkg.BandwidthMbps = *body.BandwidthMbps
	}
	if body.PriceKES != nil {
		pkg.PriceKES = *body.PriceKES
	}
	if body.Status != "" {
		if body.Status != db.PackageActive && body.Status != db.PackageInactive {
			c.JSON(http.StatusBadRequest, gin.H{"error": "status must be active or inactive"})
			return
		}
		pkg.Status = body.Status
	}

	if msg := validatePackageFields(pkg.Name, pkg.DurationHours, pkg.BandwidthMbps, pkg.PriceKES); msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}

	if err := db.DB.Save(&pkg).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// DeletePackage deactivates rather than removes, past transactions still
// reference the row.
func DeletePackage(c *gin.Context) {
	res := db.DB.Model(&db.Package{}).
		Where("package_id = ?", c.Param("id")).
		Update("status", db.PackageInactive)
	if res.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	if res.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "Package not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// AdminListPackages includes inactive packages, unlike the public listing.
func AdminListPackages(c *gin.Context) {
	var packages []db.Package
	if err := db.DB.Order("price_kes asc").Find(&packages).Error; err != nil {
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
			"status":        p.Status,
			"createdBy":     p.CreatedBy,
		})
	}
	c.JSON(http.StatusOK, gin.H{"packages": out})
}
