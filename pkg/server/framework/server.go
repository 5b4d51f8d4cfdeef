// Package framework is a minimal web framework.
package framework

import (
	"net/http"
	"os"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/verity-id/oid4vp-verifier/config"
)

// Server is the entrypoint into our application; it wraps the standard
// http.Server with the router and a shutdown channel.
type Server struct {
	*http.Server
	router   *gin.Engine
	shutdown chan os.Signal
}

// NewHTTPServer creates a Server that handles a set of routes for the application.
func NewHTTPServer(cfg config.ServerConfig, handler *gin.Engine, shutdown chan os.Signal) *Server {
	return &Server{
		Server: &http.Server{
			Addr:              cfg.APIHost,
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
		},
		router:   handler,
		shutdown: shutdown,
	}
}

// SignalShutdown is used to gracefully shut down the server when an integrity
// issue is identified.
func (s *Server) SignalShutdown() {
	s.shutdown <- syscall.SIGTERM
}
