package lib

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripeCurrency(t *testing.T) {
	t.Setenv("STRIPE_CURRENCY", "")
	assert.Equal(t, "cny", StripeCurrency())

	t.Setenv("STRIPE_CURRENCY", " HKD ")
	assert.Equal(t, "hkd", StripeCurrency())
}

func TestStripeEnabled(t *testing.T) {
	t.Setenv("STRIPE_SECRET_KEY", "")
	assert.False(t, StripeEnabled())

	t.Setenv("STRIPE_SECRET_KEY", "sk_test_123")
	assert.True(t, StripeEnabled())
}
