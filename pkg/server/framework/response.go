package framework

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Respond converts a Go value to JSON and sends it to the client.
func Respond(c *gin.Context, data any, statusCode int) {
	if statusCode == http.StatusNoContent {
		c.Status(statusCode)
		return
	}
	c.IndentedJSON(statusCode, data)
}

// RespondError sends an error response back to the client. If the error is a
// SafeError the message and fields are sent back; anything else becomes a
// generic 500 so sensitive detail never leaks.
func RespondError(c *gin.Context, err error) {
	var safeErr *SafeError
	if ok := errors.As(errors.Cause(err), &safeErr); ok {
		Respond(c, ErrorResponse{Error: safeErr.Err.Error(), Fields: safeErr.Fields}, safeErr.StatusCode)
		return
	}
	Respond(c, ErrorResponse{Error: http.StatusText(http.StatusInternalServerError)}, http.StatusInternalServerError)
}

// LoggingRespondError logs the error and sends it back with the given status.
func LoggingRespondError(c *gin.Context, err error, statusCode int) {
	logrus.WithError(err).Error()
	Respond(c, ErrorResponse{Error: err.Error()}, statusCode)
}

// LoggingRespondErrMsg logs and responds with a message-only error.
func LoggingRespondErrMsg(c *gin.Context, errMsg string, statusCode int) {
	logrus.Error(errMsg)
	Respond(c, ErrorResponse{Error: errMsg}, statusCode)
}

// LoggingRespondErrWithMsg logs the underlying error and responds with a
// message wrapping it.
func LoggingRespondErrWithMsg(c *gin.Context, err error, errMsg string, statusCode int) {
	wrapped := errors.Wrap(err, errMsg)
	logrus.WithError(err).Error(errMsg)
	Respond(c, ErrorResponse{Error: wrapped.Error()}, statusCode)
}
