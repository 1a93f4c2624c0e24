package voucher

import (
	"crypto/rand"
	"math/big"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
)

// Codes are typed by hand off printed cards, so the alphabet drops the
// characters people confuse (0/O, 1/I).
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// GenerateCode returns a fresh voucher code like WIFI-7K2M-XQ4P-N8RT.
func GenerateCode() string {
	var b strings.Builder
	b.WriteString("WIFI")

	for i := 0; i < 12; i++ {
		if i%4 == 0 {
			b.WriteByte('-')
		}
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeAlphabet))))
		if err != nil {
			panic(err)
		}
		b.WriteByte(codeAlphabet[n.Int64()])
	}

	return b.String()
}

// QRPNG renders the code as a PNG for printed voucher cards.
func QRPNG(code string) ([]byte, error) {
	return qrcode.Encode(code, qrcode.Medium, 256)
}
