package main

import (
	"lsm/src/boot"
	"lsm/src/middlewares"
	"lsm/src/types"
	"net/http"

	"github.com/gin-gonic/gin"
)

func bookingHandlers(g *gin.RouterGroup, svc *boot.Services) *gin.RouterGroup {
	g.
		POST("/bookings", func(ctx *gin.Context) {
			var body types.CreateBookingRequestBody
			if err := ctx.ShouldBindJSON(&body); err != nil {
				abortWithError(ctx, bindingError(err))
				return
			}
			order, err := svc.Reservation.CreateBooking(ctx.Request.Context(), middlewares.Actor(ctx), body)
			if err != nil {
				abortWithError(ctx, err)
				return
			}
			ctx.JSON(http.StatusCreated, gin.H{"data": order, "verification_code": order.VerificationCode})
		}).
		POST("/bookings/:id/cancel", func(ctx *gin.Context) {
			var params types.SimpleRequestParams
			if err := ctx.ShouldBindUri(&params); err != nil {
				abortWithError(ctx, bindingError(err))
				return
			}
			var body types.CancelBookingRequestBody
			if ctx.Request.ContentLength > 0 {
				if err := ctx.ShouldBindJSON(&body); err != nil {
					abortWithError(ctx, bindingError(err))
					return
				}
			}
			order, err := svc.Reservation.CancelBooking(ctx.Request.Context(), middlewares.Actor(ctx), params.ID, body.Reason)
			if err != nil {
				abortWithError(ctx, err)
				return
			}
			ctx.JSON(http.StatusOK, gin.H{"data": order})
		}).
		POST("/food-orders", func(ctx *gin.Context) {
			var body types.CreateFoodOrderRequestBody
			if err := ctx.ShouldBindJSON(&body); err != nil {
				abortWithError(ctx, bindingError(err))
				return
			}
			order, err := svc.Reservation.PlaceFoodOrder(ctx.Request.Context(), middlewares.Actor(ctx), body)
			if err != nil {
				abortWithError(ctx, err)
				return
			}
			ctx.JSON(http.StatusCreated, gin.H{"data": order})
		}).
		GET("/orders/:id", func(ctx *gin.Context) {
			var params types.SimpleRequestParams
			if err := ctx.ShouldBindUri(&params); err != nil {
				abortWithError(ctx, bindingError(err))
				return
			}
			order, err := svc.Reservation.GetOrder(ctx.Request.Context(), middlewares.Actor(ctx), params.ID)
			if err != nil {
				abortWithError(ctx, err)
				return
			}
			ctx.JSON(http.StatusOK, gin.H{"data": order})
		})
	return g
}

func merchantHandlers(g *gin.RouterGroup, svc *boot.Services) *gin.RouterGroup {
	merchant := g.Group("/merchant")
	merchant.Use(middlewares.RequireRole(types.ROLE_MERCHANT, types.ROLE_ADMIN))
	merchant.
		POST("/orders/:id/verify", func(ctx *gin.Context) {
			var params types.SimpleRequestParams
			if err := ctx.ShouldBindUri(&params); err != nil {
				abortWithError(ctx, bindingError(err))
				return
			}
			var body types.VerifyBookingRequestBody
			if err := ctx.ShouldBindJSON(&body); err != nil {
				abortWithError(ctx, bindingError(err))
				return
			}
			order, err := svc.Reservation.VerifyBooking(ctx.Request.Context(), middlewares.Actor(ctx), params.ID, body.Code)
			if err != nil {
				abortWithError(ctx, err)
				return
			}
			ctx.JSON(http.StatusOK, gin.H{"data": order})
		}).
		POST("/orders/:id/start", func(ctx *gin.Context) {
			var params types.SimpleRequestParams
			if err := ctx.ShouldBindUri(&params); err != nil {
				abortWithError(ctx, bindingError(err))
				return
			}
			order, err := svc.Reservation.StartUsage(ctx.Request.Context(), middlewares.Actor(ctx), params.ID)
			if err != nil {
				abortWithError(ctx, err)
				return
			}
			ctx.JSON(http.StatusOK, gin.H{"data": order})
		}).
		POST("/orders/:id/complete", func(ctx *gin.Context) {
			var params types.SimpleRequestParams
			if err := ctx.ShouldBindUri(&params); err != nil {
				abortWithError(ctx, bindingError(err))
				return
			}
			order, err := svc.Reservation.CompleteOrder(ctx.Request.Context(), middlewares.Actor(ctx), params.ID)
			if err != nil {
				abortWithError(ctx, err)
				return
			}
			ctx.JSON(http.StatusOK, gin.H{"data": order})
		})
	return merchant
}

func roomHandlers(g *gin.RouterGroup, svc *boot.Services) *gin.RouterGroup {
	g.GET("/rooms/:id/availability", func(ctx *gin.Context) {
		var params types.SimpleRequestParams
		if err := ctx.ShouldBindUri(&params); err != nil {
			abortWithError(ctx, bindingError(err))
			return
		}
		var q types.AvailabilityQuery
		if err := ctx.ShouldBindQuery(&q); err != nil {
			abortWithError(ctx, bindingError(err))
			return
		}
		free, err := svc.Reservation.RoomAvailability(ctx.Request.Context(), params.ID, q.Start, q.End)
		if err != nil {
			abortWithError(ctx, err)
			return
		}
		ctx.JSON(http.StatusOK, gin.H{"data": gin.H{"room_id": params.ID, "available": free}})
	})
	return g
}
