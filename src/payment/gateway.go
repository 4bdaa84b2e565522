package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"lsm/src/apperr"
	"lsm/src/lib"
	"lsm/src/models"
	"lsm/src/repo"
	"lsm/src/types"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Gateway is a QR-code payment provider such as wechat or alipay.
type Gateway interface {
	// Prepay registers the payment and returns the URL encoded in the QR code.
	Prepay(ctx context.Context, txnID, orderNo string, amount decimal.Decimal) (string, error)
	Refund(ctx context.Context, txnID, refundNo string, amount decimal.Decimal) (string, error)
}

// GatewayHandler serves a QR-code method. Payments settle when the gateway
// calls back; refunds are recorded as pending and submitted later.
type GatewayHandler struct {
	method  types.PaymentMethod
	gateway Gateway
}

func NewGatewayHandler(method types.PaymentMethod, gw Gateway) *GatewayHandler {
	return &GatewayHandler{method: method, gateway: gw}
}

func (h *GatewayHandler) Method() types.PaymentMethod { return h.method }

func (h *GatewayHandler) txnPrefix() string {
	switch h.method {
	case types.PAYMENT_WECHAT:
		return "WX"
	case types.PAYMENT_ALIPAY:
		return "ALI"
	}
	return strings.ToUpper(string(h.method))
}

func (h *GatewayHandler) CreateIntent(ctx context.Context, tx repo.Tx, o *models.Order, amount decimal.Decimal) (*IntentResult, error) {
	txnID := fmt.Sprintf("%s-%s", h.txnPrefix(), strings.ReplaceAll(uuid.NewString(), "-", ""))
	codeURL, err := h.gateway.Prepay(ctx, txnID, o.OrderNo, amount)
	if err != nil {
		log.Printf("[Payment] %s prepay for order %s failed: %s\n", h.method, o.OrderNo, err.Error())
		return nil, apperr.Wrap(apperr.CodeServiceUnavailable, err, "payment gateway unavailable")
	}
	qr, err := lib.RenderQRCode(codeURL)
	if err != nil {
		// the code URL alone is enough for clients that render their own QR
		log.Printf("[Payment] Could not render QR code for order %s: %s\n", o.OrderNo, err.Error())
		qr = ""
	}
	return &IntentResult{
		Descriptor: Descriptor{
			Method:        h.method,
			TransactionID: txnID,
			Amount:        amount,
			CodeURL:       codeURL,
			QRCode:        qr,
		},
	}, nil
}

func (h *GatewayHandler) Refund(ctx context.Context, tx repo.Tx, o *models.Order, amount decimal.Decimal) (*RefundResult, error) {
	return &RefundResult{Status: types.REFUND_PENDING}, nil
}

func (h *GatewayHandler) SubmitRefund(ctx context.Context, r *models.Refund, txnID string) (string, error) {
	refundNo := fmt.Sprintf("RF%d-%d", r.OrderID, r.ID)
	return h.gateway.Refund(ctx, txnID, refundNo, r.Amount)
}

// SandboxGateway accepts every request without talking to a provider. Used
// locally and in tests; callbacks are simulated through the callback route.
type SandboxGateway struct {
	Scheme string
}

func (g SandboxGateway) Prepay(ctx context.Context, txnID, orderNo string, amount decimal.Decimal) (string, error) {
	scheme := g.Scheme
	if scheme == "" {
		scheme = "sandbox"
	}
	return fmt.Sprintf("%s://pay?txn=%s&order=%s&amount=%s", scheme, txnID, orderNo, amount.StringFixed(2)), nil
}

func (g SandboxGateway) Refund(ctx context.Context, txnID, refundNo string, amount decimal.Decimal) (string, error) {
	return "SANDBOX-" + refundNo, nil
}

// SignCallback returns the hex HMAC-SHA256 of body keyed with secret.
func SignCallback(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func VerifyCallback(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	expected := SignCallback(secret, body)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}
