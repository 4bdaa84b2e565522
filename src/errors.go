package main

import (
	"errors"
	"fmt"
	"log"
	"lsm/src/apperr"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

var kindStatus = map[apperr.Kind]int{
	apperr.KindValidation: http.StatusBadRequest,
	apperr.KindConflict:   http.StatusConflict,
	apperr.KindResource:   http.StatusUnprocessableEntity,
	apperr.KindIntegrity:  http.StatusBadRequest,
	apperr.KindTransient:  http.StatusServiceUnavailable,
	apperr.KindNotFound:   http.StatusNotFound,
	apperr.KindForbidden:  http.StatusForbidden,
	apperr.KindInternal:   http.StatusInternalServerError,
}

func statusOf(err error) int {
	if s, ok := kindStatus[apperr.KindOf(apperr.CodeOf(err))]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// abortWithError writes {"code","error"} with the status for the error's kind.
// Internal failures are logged and reported without detail.
func abortWithError(ctx *gin.Context, err error) {
	code := apperr.CodeOf(err)
	status := statusOf(err)
	msg := err.Error()
	var e *apperr.Error
	if errors.As(err, &e) {
		msg = e.Message
	}
	if status == http.StatusInternalServerError {
		log.Printf("[%s %s] %s\n", ctx.Request.Method, ctx.FullPath(), err.Error())
		msg = "something went wrong"
	}
	ctx.AbortWithStatusJSON(status, gin.H{"code": code, "error": msg})
}

// bindingError turns a request binding failure into INVALID_TIME_RANGE when a
// time window check failed and INVALID_REQUEST otherwise.
func bindingError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			switch fe.Tag() {
			case "bookabledate", "gtfield":
				return apperr.Wrap(apperr.CodeInvalidTimeRange, err, fmt.Sprintf("%s is out of range", fe.Field()))
			}
		}
	}
	return apperr.Wrap(apperr.CodeInvalidRequest, err, err.Error())
}
