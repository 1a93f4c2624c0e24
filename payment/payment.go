package payment

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"wifibilling/coa"
	"wifibilling/payment/mpesa"
	"wifibilling/queue"
	"wifibilling/session"
	"wifibilling/utils"
	"wifibilling/web/db"
)

var (
	ErrNotFound        = errors.New("transaction not found")
	ErrInvalidPhone    = errors.New("invalid phone number")
	ErrPackageInactive = errors.New("package not available")
)

var logger = log.With().Str("component", "payment").Logger()

// Provider is swapped for a stub in tests.
type Provider interface {
	STKPush(ctx context.Context, phone string, amount float64, accountRef, description string) (*mpesa.STKPushResponse, error)
	STKQuery(ctx context.Context, checkoutRequestID string) (*mpesa.STKQueryResponse, error)
}

var provider Provider

func SetProvider(p Provider) { provider = p }

// Inline confirmation window. The push usually resolves within seconds, so a
// couple of quick queries spare most clients the deferred poller round trip.
var (
	InlinePollAttempts = 2
	InlinePollInterval = 3 * time.Second
)

// Initiate sends an STK push for the package price and records a pending
// transaction keyed by the provider's checkout request id. It then watches
// the inline window, finalizing early when the provider answers in time.
func Initiate(ctx context.Context, phone, packageID, mac, ip, gatewayID string) (*db.Transaction, *db.Session, error) {
	phone = utils.FormatPhoneNumber(phone)
	if !utils.IsValidKenyanPhone(phone) {
		return nil, nil, ErrInvalidPhone
	}

	// exclusivity: a device with a live session buys nothing twice
	existing, err := session.ActiveForDevice(mac)
	if err != nil {
		return nil, nil, err
	}
	if existing != nil {
		return nil, nil, session.ErrDeviceBusy
	}

	var pkg db.Package
	if err := db.DB.Where("package_id = ?", packageID).First(&pkg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrPackageInactive
		}
		return nil, nil, err
	}
	if pkg.Status != db.PackageActive {
		return nil, nil, ErrPackageInactive
	}

	user, err := db.GetOrCreateUserByPhone(phone)
	if err != nil {
		return nil, nil, err
	}

	tx := db.Transaction{
		TransactionID: utils.GenerateID("txn"),
		UserID:        user.UserID,
		PhoneNumber:   phone,
		PackageID:     pkg.PackageID,
		PackageName:   pkg.Name,
		DurationHours: pkg.DurationHours,
		BandwidthMbps: pkg.BandwidthMbps,
		Amount:        pkg.PriceKES,
		MacAddress:    mac,
		IPAddress:     ip,
		GatewayID:     gatewayID,
		Status:        db.TxPending,
		Timestamp:     time.Now(),
	}
	if err := db.DB.Create(&tx).Error; err != nil {
		return nil, nil, err
	}

	resp, err := provider.STKPush(ctx, phone, pkg.PriceKES, tx.TransactionID, "WiFi "+pkg.Name)
	if err != nil {
		db.DB.Model(&db.Transaction{}).
			Where("transaction_id = ? AND status = ?", tx.TransactionID, db.TxPending).
			Updates(map[string]interface{}{"status": db.TxFailed, "result_desc": err.Error()})
		return nil, nil, err
	}

	tx.CheckoutRequestID = resp.CheckoutRequestID
	tx.MerchantRequestID = resp.MerchantRequestID
	if err := db.DB.Model(&db.Transaction{}).
		Where("transaction_id = ?", tx.TransactionID).
		Updates(map[string]interface{}{
			"checkout_request_id": resp.CheckoutRequestID,
			"merchant_request_id": resp.MerchantRequestID,
		}).Error; err != nil {
		return nil, nil, err
	}

	logger.Info().
		Str("transactionId", tx.TransactionID).
		Str("checkoutRequestId", tx.CheckoutRequestID).
		Str("phone", phone).
		Float64("amount", pkg.PriceKES).
		Msg("stk push sent")

	s := inlineConfirm(ctx, &tx)
	if s == nil && tx.Status == db.TxPending {
		scheduleDeferredPoll(tx.CheckoutRequestID)
	}

	var fresh db.Transaction
	if err := db.DB.Where("transaction_id = ?", tx.TransactionID).First(&fresh).Error; err == nil {
		return &fresh, s, nil
	}
	return &tx, s, nil
}

// inlineConfirm polls the provider a few times right after the push. It
// returns the granted session when the payment lands inside the window.
func inlineConfirm(ctx context.Context, tx *db.Transaction) *db.Session {
	for i := 0; i < InlinePollAttempts; i++ {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(InlinePollInterval):
		}

		resp, err := provider.STKQuery(ctx, tx.CheckoutRequestID)
		if err != nil {
			logger.Warn().Err(err).
				Str("checkoutRequestId", tx.CheckoutRequestID).
				Msg("inline query failed")
			continue
		}
		if resp.ResultCode == "" {
			continue
		}

		code, err := strconv.Atoi(resp.ResultCode)
		if err != nil {
			continue
		}
		// query answers only settle a definite outcome: paid or dismissed.
		// Transient codes stay pending so the webhook can still decide.
		if code != 0 && code != 1032 {
			continue
		}
		s, final, err := Finalize(ctx, tx.CheckoutRequestID, code, resp.ResultDesc, resp.MpesaReceiptNumber)
		if err != nil {
			logger.Error().Err(err).
				Str("checkoutRequestId", tx.CheckoutRequestID).
				Msg("inline finalize failed")
			return nil
		}
		if final != nil {
			tx.Status = final.Status
		}
		return s
	}
	return nil
}

// Finalize settles a pending transaction exactly once. Every confirmation
// path funnels in here: the winner's status-guarded update decides the
// outcome, later arrivals see zero rows touched and leave the record alone.
// Result code 0 completes and grants access, 1032 records a subscriber
// cancellation, anything else fails the transaction.
func Finalize(ctx context.Context, checkoutRequestID string, resultCode int, resultDesc, receipt string) (*db.Session, *db.Transaction, error) {
	var tx db.Transaction
	if err := db.DB.Where("checkout_request_id = ?", checkoutRequestID).First(&tx).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}

	now := time.Now()
	updates := map[string]interface{}{"result_desc": resultDesc}
	switch resultCode {
	case 0:
		updates["status"] = db.TxCompleted
		updates["completed_at"] = now
		updates["mpesa_receipt_number"] = receipt
	case 1032:
		updates["status"] = db.TxCancelled
		updates["cancelled_at"] = now
		updates["cancellation_reason"] = "cancelled by user"
	default:
		updates["status"] = db.TxFailed
	}

	res := db.DB.Model(&db.Transaction{}).
		Where("checkout_request_id = ? AND status = ?", checkoutRequestID, db.TxPending).
		Updates(updates)
	if res.Error != nil {
		return nil, nil, res.Error
	}
	if res.RowsAffected == 0 {
		// another path got here first, nothing more to do
		db.DB.Where("checkout_request_id = ?", checkoutRequestID).First(&tx)
		return nil, &tx, nil
	}

	db.DB.Where("checkout_request_id = ?", checkoutRequestID).First(&tx)

	logger.Info().
		Str("transactionId", tx.TransactionID).
		Str("status", tx.Status).
		Int("resultCode", resultCode).
		Msg("transaction finalized")

	if tx.Status != db.TxCompleted {
		return nil, &tx, nil
	}

	s, err := grantAccess(ctx, &tx)
	if err != nil {
		// payment stands even when provisioning stumbles, staff can re-grant
		logger.Error().Err(err).
			Str("transactionId", tx.TransactionID).
			Msg("failed to grant access for completed payment")
		return nil, &tx, nil
	}
	return s, &tx, nil
}

// grantAccess turns a completed payment into network time, extending the
// device's live session when one exists and opening a fresh one otherwise.
func grantAccess(ctx context.Context, tx *db.Transaction) (*db.Session, error) {
	var pkg db.Package
	if err := db.DB.Where("package_id = ?", tx.PackageID).First(&pkg).Error; err != nil {
		return nil, err
	}

	user, err := db.GetOrCreateUserByPhone(tx.PhoneNumber)
	if err != nil {
		return nil, err
	}

	existing, err := session.ActiveForDevice(tx.MacAddress)
	if err != nil {
		return nil, err
	}

	// whoever holds the device's session gets the time: a grant that raced
	// in between initiate and confirmation is extended, never doubled
	var s *db.Session
	if existing != nil {
		s, err = session.Extend(existing, &pkg)
	} else {
		s, err = session.Create(ctx, user, tx.MacAddress, tx.IPAddress, tx.GatewayID, &pkg)
	}
	if err != nil {
		return nil, err
	}

	if err := db.DB.Model(&db.Transaction{}).
		Where("transaction_id = ?", tx.TransactionID).
		Update("session_id", s.SessionID).Error; err != nil {
		logger.Warn().Err(err).Str("transactionId", tx.TransactionID).Msg("failed to link session")
	}

	if err := coa.PublishAuthorize(ctx, s); err != nil {
		logger.Error().Err(err).Str("sessionId", s.SessionID).Msg("failed to queue authorization")
	}
	return s, nil
}

// QueryStatus answers the client's polling loop. A still-pending record
// triggers one provider query so a lost webhook cannot strand the payment.
func QueryStatus(ctx context.Context, checkoutRequestID string) (*db.Transaction, *db.Session, error) {
	var tx db.Transaction
	if err := db.DB.Where("checkout_request_id = ?", checkoutRequestID).First(&tx).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}

	if tx.Status == db.TxPending {
		resp, err := provider.STKQuery(ctx, checkoutRequestID)
		if err == nil && resp.ResultCode != "" {
			if code, cerr := strconv.Atoi(resp.ResultCode); cerr == nil && (code == 0 || code == 1032) {
				if s, final, ferr := Finalize(ctx, checkoutRequestID, code, resp.ResultDesc, resp.MpesaReceiptNumber); ferr == nil {
					return final, s, nil
				}
			}
		}
	}

	var s *db.Session
	if tx.SessionID != "" {
		if found, err := session.Validate(tx.SessionID); err == nil {
			s = found
		}
	}
	return &tx, s, nil
}

// HandleCallback applies a provider webhook. The transaction may already be
// settled by a faster path, Finalize shrugs that off.
func HandleCallback(ctx context.Context, cb *mpesa.StkCallback) error {
	_, _, err := Finalize(ctx, cb.CheckoutRequestID, cb.ResultCode, cb.ResultDesc, cb.Receipt())
	if errors.Is(err, ErrNotFound) {
		logger.Warn().
			Str("checkoutRequestId", cb.CheckoutRequestID).
			Msg("callback for unknown transaction")
		return nil
	}
	return err
}

// MirrorCallback copies the raw webhook onto the queue so a second consumer
// can settle it even if the synchronous handler dies mid-flight.
func MirrorCallback(ctx context.Context, raw []byte) {
	if err := queue.Publish(ctx, queue.PaymentCallbackQueue, json.RawMessage(raw)); err != nil {
		logger.Warn().Err(err).Msg("failed to mirror callback onto queue")
	}
}
