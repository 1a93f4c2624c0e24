package utils

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

var kenyanPhoneRe = regexp.MustCompile(`^254[17]\d{8}$`)

// FormatPhoneNumber normalizes a Kenyan phone number to the 254XXXXXXXXX form
// used as the user key: strips separators, converts a leading 0 to 254 and
// prefixes 254 when missing.
func FormatPhoneNumber(phone string) string {
	cleaned := strings.NewReplacer(" ", "", "-", "", "+", "").Replace(phone)

	if strings.HasPrefix(cleaned, "0") {
		cleaned = "254" + cleaned[1:]
	}
	if !strings.HasPrefix(cleaned, "254") {
		cleaned = "254" + cleaned
	}

	return cleaned
}

func IsValidKenyanPhone(phone string) bool {
	return kenyanPhoneRe.MatchString(FormatPhoneNumber(phone))
}

// GenerateID returns a prefixed unique id, e.g. "txn_1b9d6bcd-...".
func GenerateID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, uuid.New().String())
}

// MpesaTimestamp renders t in the yyyymmddhhmmss form Daraja expects.
func MpesaTimestamp(t time.Time) string {
	return t.Format("20060102150405")
}
