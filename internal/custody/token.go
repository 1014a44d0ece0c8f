package custody

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
)

const tokenBytes = 32

// NewToken returns an unguessable base64url token with 256 bits of entropy
func NewToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate qr token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// ValidToken reports whether s has the shape of a token issued by NewToken
func ValidToken(s string) bool {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	return err == nil && len(raw) == tokenBytes
}

// Payload builds the text encoded into the QR code
func Payload(baseURL, token string) string {
	return strings.TrimRight(baseURL, "/") + "/" + token
}

// EncodePNG renders a QR payload as a PNG image of the given size in pixels
func EncodePNG(payload string, size int) ([]byte, error) {
	png, err := qrcode.Encode(payload, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("failed to encode qr code: %w", err)
	}
	return png, nil
}
