package lib

import (
	"os"
	"strings"
	"sync"

	"github.com/stripe/stripe-go/v82"
)

var (
	stripeClient *stripe.Client
	stripeOnce   sync.Once
)

// StripeEnabled reports whether card payments are configured.
func StripeEnabled() bool {
	return os.Getenv("STRIPE_SECRET_KEY") != ""
}

func GetStripeClient() *stripe.Client {
	stripeOnce.Do(func() {
		if stripeClient == nil {
			stripeClient = stripe.NewClient(os.Getenv("STRIPE_SECRET_KEY"))
		}
	})
	return stripeClient
}

func NewStripeClient(c *stripe.Client) {
	stripeClient = c
}

// StripeCurrency is the lower-case ISO currency card payments are charged in.
func StripeCurrency() string {
	if c := strings.TrimSpace(os.Getenv("STRIPE_CURRENCY")); c != "" {
		return strings.ToLower(c)
	}
	return string(stripe.CurrencyCNY)
}
