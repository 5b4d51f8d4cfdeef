package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/verity-id/oid4vp-verifier/pkg/server/framework"
)

// Errors handles errors coming out of the call stack. Handlers that attach
// errors to the context without writing a response get a normalized error
// payload.
func Errors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		attached := c.Errors.ByType(gin.ErrorTypeAny)
		if len(attached) == 0 || c.Writer.Written() {
			return
		}
		logrus.Errorf("unhandled request errors: %v", attached)
		framework.Respond(c, framework.ErrorResponse{
			Error: http.StatusText(http.StatusInternalServerError),
		}, http.StatusInternalServerError)
	}
}
