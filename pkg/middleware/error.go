package middleware

import (
	"context"
	"errors"
	"net/http"

	"vortex-royalty/pkg/errutil"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Error renders the last error attached with c.Error as the JSON error
// envelope. Errors that carry a CoreStatus keep their status; anything else
// is reported as INTERNAL.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		last := c.Errors.Last()
		if last == nil || c.Writer.Written() {
			return
		}

		err := last.Err
		var base errutil.BaseError
		switch {
		case errors.As(err, &base):
		case errors.Is(err, context.Canceled):
			base = errutil.BaseError{Code: errutil.StatusClientClosedRequest, Message: "request cancelled"}
		case errors.Is(err, context.DeadlineExceeded):
			base = errutil.BaseError{Code: errutil.StatusTimeout, Message: "request timed out"}
		default:
			base = errutil.BaseError{Code: errutil.CodeOf(err), Message: err.Error()}
		}

		status := base.Code.HTTPStatus()
		if status >= http.StatusInternalServerError {
			zap.L().Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		}

		c.JSON(status, base.JSON())
	}
}
