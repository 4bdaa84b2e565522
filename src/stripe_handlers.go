package main

import (
	"encoding/json"
	"io"
	"log"
	"lsm/src/boot"
	"lsm/src/payment"
	"lsm/src/types"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// stripeWebhookRoute settles card payments. Only payment intent outcomes are
// acted on; every other event is acknowledged and ignored.
func stripeWebhookRoute(g *gin.Engine, svc *boot.Services) *gin.RouterGroup {
	apiv1 := apiv1Group(g)
	apiv1.POST("/webhook/stripe", func(ctx *gin.Context) {
		payload, err := io.ReadAll(ctx.Request.Body)
		if err != nil {
			log.Printf("Error reading request body: %s\n", err.Error())
			ctx.Status(http.StatusServiceUnavailable)
			return
		}
		whsecret := os.Getenv("STRIPE_WEBHOOK_SECRET")
		event, err := webhook.ConstructEvent(payload, ctx.GetHeader("Stripe-Signature"), whsecret)
		if err != nil {
			log.Printf("Error verifying webhook signature: %s\n", err.Error())
			ctx.Status(http.StatusBadRequest)
			return
		}
		log.Printf("[StripeEvent] %s\n", event.Type)

		var status types.PaymentStatus
		switch event.Type {
		case "payment_intent.succeeded":
			status = types.PAYMENT_SUCCESS
		case "payment_intent.payment_failed", "payment_intent.canceled":
			status = types.PAYMENT_FAILED
		default:
			ctx.Status(http.StatusNoContent)
			return
		}
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			log.Printf("[Stripe] Error parsing PaymentIntent: %s\n", err.Error())
			ctx.Status(http.StatusBadRequest)
			return
		}
		log.Printf("[PaymentIntent] ID: %s %s order=%s\n", pi.ID, pi.Status, pi.Metadata["order_no"])

		res, err := svc.Checkout.PaymentCallback(ctx.Request.Context(), pi.ID, status, payment.FromCents(pi.Amount))
		if err != nil {
			abortWithError(ctx, err)
			return
		}
		log.Printf("[PaymentIntent] %s -> %s\n", pi.ID, res.Outcome)
		ctx.Status(http.StatusNoContent)
	})
	return apiv1
}
