package payment

import (
	"context"
	"log"
	"lsm/src/apperr"
	"lsm/src/models"
	"lsm/src/repo"
	"lsm/src/types"
	"strconv"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v82"
)

type CardIntent struct {
	ID           string
	ClientSecret string
}

// CardGateway is the subset of the card processor used for payments.
type CardGateway interface {
	CreatePaymentIntent(ctx context.Context, o *models.Order, cents int64) (*CardIntent, error)
	Refund(ctx context.Context, paymentIntentID string, cents int64, idempotencyKey string) (string, error)
}

// CardHandler takes card payments. The order settles when the processor
// reports payment_intent.succeeded through the webhook.
type CardHandler struct {
	gateway CardGateway
}

func NewCardHandler(gw CardGateway) *CardHandler {
	return &CardHandler{gateway: gw}
}

func (h *CardHandler) Method() types.PaymentMethod { return types.PAYMENT_CARD }

// ToCents converts a currency amount to the processor's minor unit.
func ToCents(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

func FromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

func (h *CardHandler) CreateIntent(ctx context.Context, tx repo.Tx, o *models.Order, amount decimal.Decimal) (*IntentResult, error) {
	pi, err := h.gateway.CreatePaymentIntent(ctx, o, ToCents(amount))
	if err != nil {
		log.Printf("[Payment] card intent for order %s failed: %s\n", o.OrderNo, err.Error())
		return nil, apperr.Wrap(apperr.CodeServiceUnavailable, err, "card processor unavailable")
	}
	return &IntentResult{
		Descriptor: Descriptor{
			Method:        types.PAYMENT_CARD,
			TransactionID: pi.ID,
			Amount:        amount,
			ClientSecret:  pi.ClientSecret,
		},
	}, nil
}

func (h *CardHandler) Refund(ctx context.Context, tx repo.Tx, o *models.Order, amount decimal.Decimal) (*RefundResult, error) {
	return &RefundResult{Status: types.REFUND_PENDING}, nil
}

func (h *CardHandler) SubmitRefund(ctx context.Context, r *models.Refund, txnID string) (string, error) {
	return h.gateway.Refund(ctx, txnID, ToCents(r.Amount), "refund-"+strconv.FormatUint(uint64(r.ID), 10))
}

// StripeGateway talks to Stripe PaymentIntents.
type StripeGateway struct {
	client   *stripe.Client
	currency string
}

func NewStripeGateway(client *stripe.Client, currency string) *StripeGateway {
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}
	return &StripeGateway{client: client, currency: currency}
}

func (g *StripeGateway) CreatePaymentIntent(ctx context.Context, o *models.Order, cents int64) (*CardIntent, error) {
	params := &stripe.PaymentIntentCreateParams{
		Amount:   stripe.Int64(cents),
		Currency: stripe.String(g.currency),
	}
	params.AddMetadata("order_id", strconv.FormatUint(uint64(o.ID), 10))
	params.AddMetadata("order_no", o.OrderNo)
	params.SetIdempotencyKey("order-" + o.OrderNo + "-" + strconv.FormatInt(cents, 10))
	pi, err := g.client.V1PaymentIntents.Create(ctx, params)
	if err != nil {
		return nil, err
	}
	return &CardIntent{ID: pi.ID, ClientSecret: pi.ClientSecret}, nil
}

func (g *StripeGateway) Refund(ctx context.Context, paymentIntentID string, cents int64, idempotencyKey string) (string, error) {
	params := &stripe.RefundCreateParams{
		PaymentIntent: stripe.String(paymentIntentID),
		Amount:        stripe.Int64(cents),
	}
	params.SetIdempotencyKey(idempotencyKey)
	rf, err := g.client.V1Refunds.Create(ctx, params)
	if err != nil {
		return "", err
	}
	return rf.ID, nil
}
