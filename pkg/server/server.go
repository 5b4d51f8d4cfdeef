// Package server contains the full set of handler functions and routes
// supported by the http api
package server

import (
	"os"

	sdkutil "github.com/TBD54566975/ssi-sdk/util"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/verity-id/oid4vp-verifier/config"
	didint "github.com/verity-id/oid4vp-verifier/internal/did"
	"github.com/verity-id/oid4vp-verifier/pkg/server/framework"
	"github.com/verity-id/oid4vp-verifier/pkg/server/middleware"
	"github.com/verity-id/oid4vp-verifier/pkg/server/router"
	svcframework "github.com/verity-id/oid4vp-verifier/pkg/service/framework"
	"github.com/verity-id/oid4vp-verifier/pkg/service/verification"
	"github.com/verity-id/oid4vp-verifier/pkg/storage"
)

const (
	HealthPrefix    = "/health"
	ReadinessPrefix = "/readiness"
	V1Prefix        = "/v1"
	OpenID4VCPrefix = "/openid4vc"
	SessionsPrefix  = "/sessions"
	VerifyPrefix    = "/verify"
	PDPrefix        = "/pd"
)

// VerifierServer exposes all dependencies needed to run the http server and
// its services.
type VerifierServer struct {
	*config.ServerConfig
	*framework.Server
	Verification *verification.Service
}

// NewVerifierServer instantiates the verification service and registers its
// HTTP bindings.
func NewVerifierServer(shutdown chan os.Signal, cfg config.VerifierConfig) (*VerifierServer, error) {
	engine := setUpEngine(cfg.Server, shutdown)
	httpServer := framework.NewHTTPServer(cfg.Server, engine, shutdown)

	db, err := storage.NewServiceStorage(storage.Provider(cfg.Services.StorageProvider), storageOption(cfg.Services.StorageOption))
	if err != nil {
		return nil, sdkutil.LoggingErrorMsg(err, "unable to instantiate storage")
	}
	resolver, err := didint.BuildMultiMethodResolver(cfg.Services.VerificationConfig.ResolutionMethods)
	if err != nil {
		return nil, sdkutil.LoggingErrorMsg(err, "unable to instantiate resolver")
	}
	verificationService, err := verification.NewVerificationService(cfg.Services.VerificationConfig, db, resolver)
	if err != nil {
		return nil, sdkutil.LoggingErrorMsg(err, "unable to instantiate verification service")
	}

	engine.GET(HealthPrefix, router.Health)
	engine.GET(ReadinessPrefix, router.Readiness([]svcframework.Service{verificationService}))

	v1 := engine.Group(V1Prefix)
	if err = VerificationAPI(v1, verificationService); err != nil {
		return nil, sdkutil.LoggingErrorMsg(err, "unable to instantiate verification API")
	}

	return &VerifierServer{
		ServerConfig: &cfg.Server,
		Server:       httpServer,
		Verification: verificationService,
	}, nil
}

// VerificationAPI registers all HTTP routes for the verification service.
func VerificationAPI(rg *gin.RouterGroup, service svcframework.Service) error {
	verificationRouter, err := router.NewVerificationRouter(service)
	if err != nil {
		return sdkutil.LoggingErrorMsg(err, "creating verification router")
	}

	api := rg.Group(OpenID4VCPrefix)
	api.PUT(SessionsPrefix, verificationRouter.CreateSession)
	api.GET(SessionsPrefix+"/:id", verificationRouter.GetSession)
	api.DELETE(SessionsPrefix+"/:id", verificationRouter.DeleteSession)
	api.GET(SessionsPrefix+"/:id/result", verificationRouter.GetResult)
	api.GET(PDPrefix+"/:id", verificationRouter.GetPresentationDefinition)
	// wallets post token responses here; the state-correlated variant has no
	// session id in the path
	api.POST(VerifyPrefix+"/:id", verificationRouter.VerifyTokenResponse)
	api.POST(VerifyPrefix, verificationRouter.VerifyTokenResponse)
	return nil
}

// setUpEngine creates the gin engine and sets up the middleware based on config
func setUpEngine(cfg config.ServerConfig, _ chan os.Signal) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(
		gin.Recovery(),
		middleware.Errors(),
		middleware.Logger(logrus.StandardLogger()),
		middleware.CORS(),
	)
	return engine
}

func storageOption(raw any) storage.Option {
	var option storage.Option
	if m, ok := raw.(map[string]any); ok {
		if location, ok := m["location"].(string); ok {
			option.Location = location
		}
		if password, ok := m["password"].(string); ok {
			option.Password = password
		}
	}
	return option
}
