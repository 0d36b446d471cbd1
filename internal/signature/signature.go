package signature

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
)

// Payload is the body posted to external services.
type Payload struct {
	User string `json:"user"`
	Hash string `json:"hash"`
}

// Sign returns the hex HMAC-SHA512 of identifier keyed by secret.
func Sign(identifier, secret string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write([]byte(identifier))
	return hex.EncodeToString(mac.Sum(nil))
}

// NewPayload signs identifier and pairs it with its signature.
func NewPayload(identifier, secret string) Payload {
	return Payload{User: identifier, Hash: Sign(identifier, secret)}
}

// Verify reports whether p carries a valid signature for secret.
func Verify(p Payload, secret string) bool {
	want, err := hex.DecodeString(Sign(p.User, secret))
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(p.Hash)
	if err != nil {
		return false
	}
	return hmac.Equal(want, got)
}
