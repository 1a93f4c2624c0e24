package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"wifibilling/coa"
	"wifibilling/utils"
	"wifibilling/web/db"
)

var (
	// ErrDeviceBusy means the device already holds an active session.
	ErrDeviceBusy = errors.New("device already has an active session")
	ErrNotFound   = errors.New("session not found")
	ErrNotActive  = errors.New("session is not active")
	ErrExpired    = errors.New("session expired")
)

var logger = log.With().Str("component", "session").Logger()

// Create starts a new session for the device. The unique index on active_mac
// makes this the only place device exclusivity is decided: if another request
// created an active session for the same MAC first, the insert fails and the
// caller gets ErrDeviceBusy instead of a second grant.
func Create(ctx context.Context, user *db.User, mac, ip, gatewayID string, pkg *db.Package) (*db.Session, error) {
	now := time.Now()

	// Release the exclusivity slot of any session that ran out but was never
	// read since (expiry is lazy, nothing sweeps these in the background).
	db.DB.Model(&db.Session{}).
		Where("mac_address = ? AND status = ? AND expires_at <= ?", mac, db.SessionActive, now).
		Updates(map[string]interface{}{"status": db.SessionExpired, "active_mac": nil})

	activeMac := mac
	s := db.Session{
		SessionID:     utils.GenerateID("session"),
		UserID:        user.UserID,
		PhoneNumber:   user.PhoneNumber,
		PackageID:     pkg.PackageID,
		PackageName:   pkg.Name,
		MacAddress:    mac,
		ActiveMac:     &activeMac,
		IPAddress:     ip,
		GatewayID:     gatewayID,
		StartTime:     now,
		ExpiresAt:     now.Add(time.Duration(pkg.DurationHours * float64(time.Hour))),
		DurationHours: pkg.DurationHours,
		BandwidthMbps: pkg.BandwidthMbps,
		Status:        db.SessionActive,
	}

	if err := db.DB.Create(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDeviceBusy
		}
		return nil, fmt.Errorf("create session: %w", err)
	}

	logger.Info().
		Str("sessionId", s.SessionID).
		Str("mac", mac).
		Str("package", pkg.Name).
		Float64("durationHours", pkg.DurationHours).
		Msg("session created")

	return &s, nil
}

// Extend pushes the expiry of a still-active session forward by the package
// duration: the new window starts from the current expiry (or from now if the
// session would otherwise have lapsed), bandwidth is raised to the higher of
// the two and the purchased hours accumulate.
func Extend(s *db.Session, pkg *db.Package) (*db.Session, error) {
	now := time.Now()

	base := s.ExpiresAt
	if now.After(base) {
		base = now
	}
	newExpiry := base.Add(time.Duration(pkg.DurationHours * float64(time.Hour)))

	bandwidth := s.BandwidthMbps
	if pkg.BandwidthMbps > bandwidth {
		bandwidth = pkg.BandwidthMbps
	}
	hours := s.DurationHours + pkg.DurationHours

	res := db.DB.Model(&db.Session{}).
		Where("session_id = ? AND status = ?", s.SessionID, db.SessionActive).
		Updates(map[string]interface{}{
			"expires_at":     newExpiry,
			"bandwidth_mbps": bandwidth,
			"duration_hours": hours,
			"package_id":     pkg.PackageID,
			"package_name":   pkg.Name,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("extend session: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotActive
	}

	updated := *s
	updated.ExpiresAt = newExpiry
	updated.BandwidthMbps = bandwidth
	updated.DurationHours = hours
	updated.PackageID = pkg.PackageID
	updated.PackageName = pkg.Name

	logger.Info().
		Str("sessionId", s.SessionID).
		Time("newExpiresAt", newExpiry).
		Int("bandwidthMbps", bandwidth).
		Msg("session extended")

	return &updated, nil
}

// Terminate ends the session and queues a disconnect for its gateway.
// Terminating an already-ended session is a no-op.
func Terminate(ctx context.Context, sessionID string) error {
	var s db.Session
	if err := db.DB.Where("session_id = ?", sessionID).First(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	}

	now := time.Now()
	res := db.DB.Model(&db.Session{}).
		Where("session_id = ? AND status = ?", sessionID, db.SessionActive).
		Updates(map[string]interface{}{
			"status":     db.SessionTerminated,
			"end_time":   now,
			"active_mac": nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// already expired or terminated
		return nil
	}

	logger.Info().Str("sessionId", sessionID).Msg("session terminated")

	if err := coa.PublishDisconnect(ctx, &s); err != nil {
		logger.Error().Err(err).Str("sessionId", sessionID).Msg("failed to queue disconnect")
	}
	return nil
}

// ActiveForDevice returns the device's active session, or nil when there is
// none. A session found past its expiry is flipped to expired here so every
// reader sees the same answer regardless of who looks first.
func ActiveForDevice(mac string) (*db.Session, error) {
	var s db.Session
	err := db.DB.Where("mac_address = ? AND status = ?", mac, db.SessionActive).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if time.Now().After(s.ExpiresAt) {
		expire(&s)
		return nil, nil
	}

	return &s, nil
}

// ActiveForUser lists the user's unexpired active sessions.
func ActiveForUser(userID string) ([]db.Session, error) {
	var sessions []db.Session
	err := db.DB.
		Where("user_id = ? AND status = ? AND expires_at > ?", userID, db.SessionActive, time.Now()).
		Find(&sessions).Error
	return sessions, err
}

// Validate looks a session up by id for the captive portal check. Unlike
// ActiveForDevice it reports why the session is unusable, and it performs the
// lazy active→expired transition when it discovers one past its expiry.
func Validate(sessionID string) (*db.Session, error) {
	var s db.Session
	if err := db.DB.Where("session_id = ?", sessionID).First(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if s.Status != db.SessionActive {
		return nil, ErrNotActive
	}

	if time.Now().After(s.ExpiresAt) {
		expire(&s)
		return nil, ErrExpired
	}

	return &s, nil
}

func expire(s *db.Session) {
	res := db.DB.Model(&db.Session{}).
		Where("session_id = ? AND status = ?", s.SessionID, db.SessionActive).
		Updates(map[string]interface{}{"status": db.SessionExpired, "active_mac": nil})
	if res.Error != nil {
		logger.Error().Err(res.Error).Str("sessionId", s.SessionID).Msg("failed to expire session")
		return
	}
	if res.RowsAffected > 0 {
		logger.Info().Str("sessionId", s.SessionID).Msg("session expired")
	}
}

// TimeRemaining returns the whole seconds until expiry, floored at zero.
func TimeRemaining(s *db.Session) int {
	remaining := int(time.Until(s.ExpiresAt).Seconds())
	if remaining < 0 {
		return 0
	}
	return remaining
}
