package main

import (
	"context"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"wifibilling/payment"
	"wifibilling/payment/mpesa"
	"wifibilling/queue"
	"wifibilling/utils"
	"wifibilling/web/controllers"
	"wifibilling/web/db"
	"wifibilling/web/middleware"
)

func init() {
	utils.LoadEnv()
	db.Connect()
	db.Sync()
}

func main() {
	queue.Connect()

	payment.SetProvider(mpesa.NewFromEnv())
	go payment.StartDeferredPoller(context.Background())

	r := gin.Default()
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:           12 * time.Hour,
		AllowCredentials: false,
	}))

	limiter := middleware.NewRateLimiter(60, time.Minute)
	limiter.StartCleanup(10 * time.Minute)
	r.Use(limiter.Middleware())

	auth := r.Group("/auth")
	{
		auth.POST("/login", controllers.Login)
		auth.POST("/voucher", controllers.RedeemVoucher)
		auth.POST("/validate", controllers.ValidateSession)
		auth.GET("/status", controllers.Status)
		auth.POST("/logout", middleware.RequireAuth, controllers.Logout)
	}

	pay := r.Group("/payment")
	{
		pay.POST("/initiate", controllers.InitiatePayment)
		pay.GET("/status", controllers.PaymentStatus)
		pay.POST("/query", controllers.QueryPayment)
		pay.POST("/callback", controllers.PaymentCallback)
		pay.GET("/packages", controllers.ListPackages)
	}

	r.POST("/admin/login", controllers.AdminLogin)

	admin := r.Group("/admin", middleware.AdminAuth)
	{
		admin.GET("/dashboard", controllers.Dashboard)
		admin.GET("/users", controllers.ListUsers)
		admin.GET("/users/:id", controllers.GetUser)
		admin.GET("/sessions", controllers.ListSessions)
		admin.POST("/sessions/:id/terminate", controllers.AdminTerminateSession)
		admin.GET("/transactions", controllers.ListTransactions)
		admin.POST("/vouchers", controllers.GenerateVouchers)
		admin.GET("/vouchers", controllers.ListVouchers)
		admin.GET("/vouchers/export", controllers.ExportVouchersCSV)
		admin.GET("/vouchers/:code/qr", controllers.VoucherQR)
		admin.GET("/gateways", controllers.ListGateways)
		admin.POST("/gateways", controllers.CreateGateway)
		admin.PUT("/gateways/:id", controllers.UpdateGateway)
		admin.DELETE("/gateways/:id", controllers.DeleteGateway)
		admin.GET("/packages", controllers.AdminListPackages)
		admin.POST("/packages", controllers.CreatePackage)
		admin.PUT("/packages/:id", controllers.UpdatePackage)
		admin.DELETE("/packages/:id", controllers.DeletePackage)
	}

	port := utils.Getenv("GIN_PORT", "8080")
	log.Info().Str("port", port).Msg("web service listening")
	if err := r.Run(":" + port); err != nil {
		log.Fatal().Err(err).Msg("web service exited")
	}
}
