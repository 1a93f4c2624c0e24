package db

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GetOrCreateUserByPhone returns the user keyed by the (already normalized)
// phone number, creating an active one on first contact. Creation races fall
// back to re-reading the winner's row.
func GetOrCreateUserByPhone(phone string) (*User, error) {
	var user User
	err := DB.Where("phone_number = ?", phone).First(&user).Error
	if err == nil {
		return &user, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	user = User{
		UserID:      fmt.Sprintf("user_%s", uuid.New().String()),
		PhoneNumber: phone,
		Roles:       "user",
		Status:      UserActive,
		LastLoginAt: time.Now(),
	}
	if err := DB.Create(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			if err := DB.Where("phone_number = ?", phone).First(&user).Error; err != nil {
				return nil, err
			}
			return &user, nil
		}
		return nil, err
	}
	return &user, nil
}
