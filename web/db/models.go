package db

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// Entity statuses. Transactions and vouchers only ever move forward:
// once a terminal status is written it must never change again.
const (
	UserActive    = "active"
	UserSuspended = "suspended"
	UserInactive  = "inactive"

	SessionActive     = "active"
	SessionExpired    = "expired"
	SessionTerminated = "terminated"

	TxPending   = "pending"
	TxCompleted = "completed"
	TxFailed    = "failed"
	TxCancelled = "cancelled"

	VoucherUnused  = "unused"
	VoucherUsed    = "used"
	VoucherExpired = "expired"

	PackageActive   = "active"
	PackageInactive = "inactive"

	GatewayActive   = "active"
	GatewayInactive = "inactive"
)

type User struct {
	gorm.Model
	UserID      string `gorm:"uniqueIndex"`
	PhoneNumber string `gorm:"uniqueIndex"` // primary identity, 2547XXXXXXXX
	Roles       string // comma separated, e.g. "user" or "user,admin"
	PasswordHash string
	Status      string
	LastLoginAt time.Time
}

// Session is the unit of granted access. ActiveMac mirrors MacAddress while
// the session is active and is NULLed when it ends; the unique index on it is
// what enforces at most one active session per device, so concurrent creates
// for the same MAC fail at the database instead of racing.
type Session struct {
	gorm.Model
	SessionID     string  `gorm:"uniqueIndex"`
	UserID        string  `gorm:"index"`
	PhoneNumber   string
	PackageID     string
	PackageName   string
	MacAddress    string  `gorm:"index"`
	ActiveMac     *string `gorm:"uniqueIndex"`
	IPAddress     string
	GatewayID     string
	StartTime     time.Time
	ExpiresAt     time.Time
	EndTime       *time.Time
	DurationHours float64
	BandwidthMbps int
	Status        string `gorm:"index"`
}

type Transaction struct {
	gorm.Model
	TransactionID      string `gorm:"uniqueIndex"`
	UserID             string `gorm:"index"`
	PhoneNumber        string `gorm:"index"`
	Amount             float64 // KES
	PackageID          string
	PackageName        string
	DurationHours      float64
	BandwidthMbps      int
	MacAddress         string
	CheckoutRequestID  string `gorm:"index"`
	MerchantRequestID  string
	MpesaReceiptNumber string
	Status             string `gorm:"index"`
	Timestamp          time.Time
	CompletedAt        *time.Time
	CancelledAt        *time.Time
	CancellationReason string
	ResultDesc         string
	IPAddress          string
	GatewayID          string
	SessionID          string `gorm:"index"` // set once the payment grants access
}

type Voucher struct {
	gorm.Model
	Code      string `gorm:"uniqueIndex"`
	PackageID string
	BatchID   string `gorm:"index"`
	Status    string `gorm:"index"`
	ExpiresAt *time.Time
	UsedAt    *time.Time
	UsedBy    string
	UsedByMac string
}

type Package struct {
	gorm.Model
	PackageID     string `gorm:"uniqueIndex"`
	Name          string
	Description   string
	DurationHours float64
	BandwidthMbps int
	PriceKES      float64
	Status        string `gorm:"index"`
	CreatedBy     string
}

type Gateway struct {
	gorm.Model
	GatewayID    string `gorm:"uniqueIndex"`
	Name         string
	Location     string
	Type         string // mikrotik, unifi, pfsense, openwrt
	APIEndpoint  string
	RadiusSecret string
	Status       string
}

// RoleList splits the stored roles string.
func (u *User) RoleList() []string {
	if u.Roles == "" {
		return []string{"user"}
	}
	return strings.Split(u.Roles, ",")
}

// HasRole reports whether the user carries the given role.
func (u *User) HasRole(role string) bool {
	for _, r := range u.RoleList() {
		if r == role {
			return true
		}
	}
	return false
}
