package main

import (
	"io"
	"log"
	"lsm/src/apperr"
	"lsm/src/boot"
	"lsm/src/middlewares"
	"lsm/src/payment"
	"lsm/src/types"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

const callbackSignatureHeader = "X-Signature"

func transactionHandlers(g *gin.RouterGroup, svc *boot.Services) *gin.RouterGroup {
	g.
		POST("/orders/:id/pay", func(ctx *gin.Context) {
			var params types.SimpleRequestParams
			if err := ctx.ShouldBindUri(&params); err != nil {
				abortWithError(ctx, bindingError(err))
				return
			}
			var body types.PayOrderRequestBody
			if err := ctx.ShouldBindJSON(&body); err != nil {
				abortWithError(ctx, bindingError(err))
				return
			}
			res, err := svc.Checkout.PayOrder(ctx.Request.Context(), middlewares.Actor(ctx), params.ID, body.Method, body.PointsToUse)
			if err != nil {
				abortWithError(ctx, err)
				return
			}
			ctx.JSON(http.StatusOK, gin.H{"data": res})
		}).
		POST("/orders/:id/refund", func(ctx *gin.Context) {
			var params types.SimpleRequestParams
			if err := ctx.ShouldBindUri(&params); err != nil {
				abortWithError(ctx, bindingError(err))
				return
			}
			var body types.RefundRequestBody
			if err := ctx.ShouldBindJSON(&body); err != nil {
				abortWithError(ctx, bindingError(err))
				return
			}
			refund, err := svc.Checkout.RequestRefund(ctx.Request.Context(), middlewares.Actor(ctx), params.ID, body.Reason, body.Amount)
			if err != nil {
				abortWithError(ctx, err)
				return
			}
			ctx.JSON(http.StatusOK, gin.H{"data": refund})
		}).
		GET("/wallet", func(ctx *gin.Context) {
			balance, err := svc.Wallet.Balance(ctx.Request.Context(), ctx.GetUint("id"))
			if err != nil {
				abortWithError(ctx, err)
				return
			}
			ctx.JSON(http.StatusOK, gin.H{"data": gin.H{"balance": balance}})
		})
	return g
}

func callbackSecret(method types.PaymentMethod) string {
	return os.Getenv(strings.ToUpper(string(method)) + "_NOTIFY_SECRET")
}

// paymentCallbackRoute receives signed payment notifications from the QR-code
// providers. The body is {"transaction_id","status","amount"} signed with the
// provider's notify secret. Replays answer 200 so the provider stops retrying.
func paymentCallbackRoute(g *gin.Engine, svc *boot.Services) *gin.RouterGroup {
	apiv1 := apiv1Group(g)
	apiv1.POST("/payments/:method/callback", func(ctx *gin.Context) {
		method := types.PaymentMethod(ctx.Param("method"))
		if method != types.PAYMENT_WECHAT && method != types.PAYMENT_ALIPAY {
			abortWithError(ctx, apperr.Newf(apperr.CodeUnsupportedPaymentMethod, "no callbacks for %s", method))
			return
		}
		payload, err := io.ReadAll(ctx.Request.Body)
		if err != nil {
			log.Printf("Error reading request body: %s\n", err.Error())
			ctx.Status(http.StatusServiceUnavailable)
			return
		}
		if !payment.VerifyCallback(callbackSecret(method), payload, ctx.GetHeader(callbackSignatureHeader)) {
			log.Printf("[SECURITY] Rejected %s callback with a bad signature\n", method)
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": apperr.CodeForbidden, "error": "invalid signature"})
			return
		}
		if !gjson.ValidBytes(payload) {
			abortWithError(ctx, apperr.New(apperr.CodeInvalidRequest, "malformed notification"))
			return
		}
		fields := gjson.GetManyBytes(payload, "transaction_id", "status", "amount")
		txnID, status := fields[0].String(), types.PaymentStatus(fields[1].String())
		if txnID == "" || (status != types.PAYMENT_SUCCESS && status != types.PAYMENT_FAILED) {
			abortWithError(ctx, apperr.New(apperr.CodeInvalidRequest, "transaction_id and status are required"))
			return
		}
		amount, err := decimal.NewFromString(fields[2].String())
		if err != nil {
			abortWithError(ctx, apperr.Wrap(apperr.CodeInvalidAmount, err, "amount is not a number"))
			return
		}

		res, err := svc.Checkout.PaymentCallback(ctx.Request.Context(), txnID, status, amount)
		if err != nil {
			abortWithError(ctx, err)
			return
		}
		ctx.JSON(http.StatusOK, gin.H{"data": gin.H{"outcome": res.Outcome, "order_no": res.Order.OrderNo}})
	})
	return apiv1
}
