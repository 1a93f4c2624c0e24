package db

import (
	"os"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

var DB *gorm.DB

func Connect() {
	var err error

	dsn := os.Getenv("DB")

	// TranslateError turns driver duplicate-key errors into
	// gorm.ErrDuplicatedKey, which the session layer relies on for the
	// one-active-session-per-device guarantee.
	DB, err = gorm.Open(mysql.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		panic(err)
	}
}

func Sync() {
	err := DB.AutoMigrate(
		&User{},
		&Session{},
		&Transaction{},
		&Voucher{},
		&Package{},
		&Gateway{},
	)
	if err != nil {
		panic(err)
	}
}
