package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/verity-id/oid4vp-verifier/pkg/server/framework"
)

type GetHealthCheckResponse struct {
	Status string `json:"status"`
}

const HealthOK = "OK"

// Health is a simple handler that always responds with a 200 OK
func Health(c *gin.Context) {
	framework.Respond(c, GetHealthCheckResponse{Status: HealthOK}, http.StatusOK)
}
