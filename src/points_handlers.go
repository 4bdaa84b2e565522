package main

import (
	"lsm/src/boot"
	"lsm/src/middlewares"
	"lsm/src/types"
	"net/http"

	"github.com/gin-gonic/gin"
)

func pointsHandlers(g *gin.RouterGroup, svc *boot.Services) *gin.RouterGroup {
	g.
		GET("/points", func(ctx *gin.Context) {
			balance, err := svc.Ledger.Balance(ctx.Request.Context(), ctx.GetUint("id"))
			if err != nil {
				abortWithError(ctx, err)
				return
			}
			ctx.JSON(http.StatusOK, gin.H{"data": gin.H{"balance": balance}})
		}).
		GET("/points/history", func(ctx *gin.Context) {
			records, err := svc.Ledger.History(ctx.Request.Context(), ctx.GetUint("id"))
			if err != nil {
				abortWithError(ctx, err)
				return
			}
			ctx.JSON(http.StatusOK, gin.H{"data": records, "count": len(records)})
		}).
		POST("/points/use", func(ctx *gin.Context) {
			var body types.UsePointsRequestBody
			if err := ctx.ShouldBindJSON(&body); err != nil {
				abortWithError(ctx, bindingError(err))
				return
			}
			rec, err := svc.Ledger.Use(ctx.Request.Context(), ctx.GetUint("id"), body.Amount, body.Reason)
			if err != nil {
				abortWithError(ctx, err)
				return
			}
			ctx.JSON(http.StatusOK, gin.H{"data": rec})
		})

	admin := g.Group("/admin")
	admin.Use(middlewares.RequireRole(types.ROLE_ADMIN))
	admin.POST("/points/adjust", func(ctx *gin.Context) {
		var body types.AdjustPointsRequestBody
		if err := ctx.ShouldBindJSON(&body); err != nil {
			abortWithError(ctx, bindingError(err))
			return
		}
		rec, err := svc.Ledger.Adjust(ctx.Request.Context(), body.UserID, body.Amount, body.Reason)
		if err != nil {
			abortWithError(ctx, err)
			return
		}
		ctx.JSON(http.StatusOK, gin.H{"data": rec})
	})
	return g
}
