package voucher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"wifibilling/coa"
	"wifibilling/session"
	"wifibilling/utils"
	"wifibilling/web/db"
)

var (
	ErrNotFound        = errors.New("voucher not found")
	ErrAlreadyUsed     = errors.New("voucher already used")
	ErrExpired         = errors.New("voucher expired")
	ErrDeviceMismatch  = errors.New("voucher already used on another device")
	ErrPackageInactive = errors.New("package not available")
)

var logger = log.With().Str("component", "voucher").Logger()

// GenerateBatch creates quantity single-use codes for the package, all under
// one batch id. expiryDays of 0 means the codes never expire.
func GenerateBatch(packageID string, quantity int, expiryDays int) ([]db.Voucher, string, error) {
	if quantity <= 0 {
		return nil, "", fmt.Errorf("quantity must be positive")
	}

	var pkg db.Package
	if err := db.DB.Where("package_id = ?", packageID).First(&pkg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, "", ErrPackageInactive
		}
		return nil, "", err
	}
	if pkg.Status != db.PackageActive {
		return nil, "", ErrPackageInactive
	}

	batchID := utils.GenerateID("batch")

	var expiresAt *time.Time
	if expiryDays > 0 {
		t := time.Now().AddDate(0, 0, expiryDays)
		expiresAt = &t
	}

	vouchers := make([]db.Voucher, 0, quantity)
	for i := 0; i < quantity; i++ {
		v := db.Voucher{
			Code:      GenerateCode(),
			PackageID: packageID,
			BatchID:   batchID,
			Status:    db.VoucherUnused,
			ExpiresAt: expiresAt,
		}
		// code collisions are vanishingly rare but cheap to retry
		for {
			err := db.DB.Create(&v).Error
			if err == nil {
				break
			}
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				v.Code = GenerateCode()
				continue
			}
			return nil, "", err
		}
		vouchers = append(vouchers, v)
	}

	logger.Info().
		Str("batchId", batchID).
		Str("packageId", packageID).
		Int("count", len(vouchers)).
		Msg("voucher batch generated")

	return vouchers, batchID, nil
}

// Redeem turns an unused code into a session for the calling device. The
// voucher is claimed with a status-guarded update before the session is
// created, so two devices racing on one code get exactly one success. A code
// already bound to this same device answers with its live session instead of
// an error.
func Redeem(ctx context.Context, code, mac, ip, gatewayID, phone string) (*db.Session, *db.Package, error) {
	code = strings.ToUpper(strings.TrimSpace(code))

	var v db.Voucher
	if err := db.DB.Where("code = ?", code).First(&v).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}

	switch v.Status {
	case db.VoucherUsed:
		if v.UsedByMac == mac {
			// same device asking again: hand back the session it already has
			existing, err := session.ActiveForDevice(mac)
			if err != nil {
				return nil, nil, err
			}
			if existing != nil {
				pkg, err := activePackage(v.PackageID)
				if err != nil {
					return nil, nil, err
				}
				return existing, pkg, nil
			}
		} else if v.UsedByMac != "" {
			return nil, nil, ErrDeviceMismatch
		}
		return nil, nil, ErrAlreadyUsed
	case db.VoucherExpired:
		return nil, nil, ErrExpired
	}

	if v.ExpiresAt != nil && time.Now().After(*v.ExpiresAt) {
		db.DB.Model(&db.Voucher{}).
			Where("code = ? AND status = ?", code, db.VoucherUnused).
			Update("status", db.VoucherExpired)
		return nil, nil, ErrExpired
	}

	existing, err := session.ActiveForDevice(mac)
	if err != nil {
		return nil, nil, err
	}
	if existing != nil {
		return nil, nil, session.ErrDeviceBusy
	}

	pkg, err := activePackage(v.PackageID)
	if err != nil {
		return nil, nil, err
	}

	var user *db.User
	if phone != "" {
		user, err = db.GetOrCreateUserByPhone(utils.FormatPhoneNumber(phone))
	} else {
		user, err = db.GetOrCreateUserByPhone(utils.GenerateID("anonymous"))
	}
	if err != nil {
		return nil, nil, err
	}

	// claim the code before granting anything
	now := time.Now()
	res := db.DB.Model(&db.Voucher{}).
		Where("code = ? AND status = ?", code, db.VoucherUnused).
		Updates(map[string]interface{}{
			"status":      db.VoucherUsed,
			"used_at":     now,
			"used_by":     user.UserID,
			"used_by_mac": mac,
		})
	if res.Error != nil {
		return nil, nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil, ErrAlreadyUsed
	}

	s, err := session.Create(ctx, user, mac, ip, gatewayID, pkg)
	if err != nil {
		// hand the code back so a storage hiccup doesn't burn it
		db.DB.Model(&db.Voucher{}).
			Where("code = ? AND status = ? AND used_by_mac = ?", code, db.VoucherUsed, mac).
			Updates(map[string]interface{}{
				"status":      db.VoucherUnused,
				"used_at":     nil,
				"used_by":     "",
				"used_by_mac": "",
			})
		return nil, nil, err
	}

	if err := coa.PublishAuthorize(ctx, s); err != nil {
		logger.Error().Err(err).Str("sessionId", s.SessionID).Msg("failed to queue authorization")
	}

	logger.Info().
		Str("code", code).
		Str("sessionId", s.SessionID).
		Str("userId", user.UserID).
		Str("package", pkg.Name).
		Msg("voucher redeemed")

	return s, pkg, nil
}

func activePackage(packageID string) (*db.Package, error) {
	var pkg db.Package
	if err := db.DB.Where("package_id = ?", packageID).First(&pkg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPackageInactive
		}
		return nil, err
	}
	if pkg.Status != db.PackageActive {
		return nil, ErrPackageInactive
	}
	return &pkg, nil
}
