package main

import (
	"context"
	"expvar"
	"os"
	"os/signal"
	"syscall"

	"github.com/ardanlabs/conf"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/verity-id/oid4vp-verifier/config"
	"github.com/verity-id/oid4vp-verifier/pkg/server"
)

func main() {
	logrus.SetFormatter(&logrus.JSONFormatter{})

	logrus.Info("Starting up...")

	if err := run(); err != nil {
		logrus.Fatalf("main: error: %s", err.Error())
	}
}

// startup and shutdown logic
func run() error {
	configPath := config.DefaultConfigPath
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return errors.Wrap(err, "could not instantiate config")
	}
	if cfg == nil {
		// help or version was requested
		return nil
	}

	if level, err := logrus.ParseLevel(cfg.Server.LogLevel); err == nil {
		logrus.SetLevel(level)
	}

	expvar.NewString("build").Set(cfg.Version.SVN)
	logrus.Infof("main: Started : Service initializing : version %q", cfg.Version.SVN)
	defer logrus.Info("main: Completed")

	out, err := conf.String(cfg)
	if err != nil {
		return errors.Wrap(err, "serializing config")
	}
	logrus.Infof("main: Config: \n%v\n", out)

	// buffer size is 1 in order to ignore any additional ctrl+c spamming
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	verifierServer, err := server.NewVerifierServer(shutdown, *cfg)
	if err != nil {
		return errors.Wrap(err, "could not start http services")
	}

	serverErrors := make(chan error, 1)
	go func() {
		logrus.Infof("main: server started and listening on -> %s", verifierServer.Addr)
		serverErrors <- verifierServer.ListenAndServe()
	}()

	select {
	case err = <-serverErrors:
		return errors.Wrap(err, "server error")
	case sig := <-shutdown:
		logrus.Infof("main: shutdown signal received -> %v", sig)

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err = verifierServer.Shutdown(ctx); err != nil {
			_ = verifierServer.Close()
			return errors.Wrap(err, "failed to stop server gracefully")
		}
	}

	return nil
}
