package signature

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignDeterministic(t *testing.T) {
	a := Sign("user@example.org", "s3cret")
	b := Sign("user@example.org", "s3cret")
	assert.Equal(t, a, b)
	assert.Len(t, a, 128)
}

func TestSignChangesWithInputs(t *testing.T) {
	base := Sign("user@example.org", "s3cret")
	assert.NotEqual(t, base, Sign("user2@example.org", "s3cret"))
	assert.NotEqual(t, base, Sign("user@example.org", "other"))
}

func TestSignKnownVector(t *testing.T) {
	// RFC 4231 test case 2.
	assert.Equal(t,
		"164b7a7bfcf819e2e395fbe73b56e0a387bd64222e831fd610270cd7ea2505549758bf75c05a994a6d034f65f8f0e6fdcaeab1a34d4a6b4b636e070a38bce737",
		Sign("what do ya want for nothing?", "Jefe"))
}

func TestVerify(t *testing.T) {
	p := NewPayload("42", "token")
	assert.Equal(t, "42", p.User)
	assert.True(t, Verify(p, "token"))
	assert.False(t, Verify(p, "wrong"))
	p.Hash = "zz"
	assert.False(t, Verify(p, "token"))
}
