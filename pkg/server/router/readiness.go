package router

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/verity-id/oid4vp-verifier/pkg/server/framework"
	svcframework "github.com/verity-id/oid4vp-verifier/pkg/service/framework"
)

type GetReadinessResponse struct {
	Status          svcframework.Status                       `json:"status"`
	ServiceStatuses map[svcframework.Type]svcframework.Status `json:"serviceStatuses"`
}

// Readiness runs application specific checks to see if all the relied upon
// services are healthy. Returns a 500 if not ready.
func Readiness(services []svcframework.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		readyServices := 0
		statuses := make(map[svcframework.Type]svcframework.Status)
		for _, s := range services {
			status := s.Status()
			statuses[s.Type()] = status
			if status.IsReady() {
				readyServices++
			}
		}

		status := svcframework.Status{Status: svcframework.StatusReady, Message: "all services ready"}
		statusCode := http.StatusOK
		if readyServices < len(services) {
			status = svcframework.Status{
				Status:  svcframework.StatusNotReady,
				Message: fmt.Sprintf("out of [%d] services, [%d] are ready", len(services), readyServices),
			}
			statusCode = http.StatusInternalServerError
		}
		framework.Respond(c, GetReadinessResponse{Status: status, ServiceStatuses: statuses}, statusCode)
	}
}
