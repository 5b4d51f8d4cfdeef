package config

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ardanlabs/conf"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	DefaultConfigPath = "config/config.toml"
	ServiceName       = "oid4vp-verifier"
	ConfigExtension   = ".toml"

	DefaultServiceEndpoint = "http://localhost:8080"
)

type VerifierConfig struct {
	conf.Version
	Server   ServerConfig   `toml:"server"`
	Services ServicesConfig `toml:"services"`
}

// ServerConfig represents configurable properties for the HTTP server
type ServerConfig struct {
	APIHost         string        `toml:"api_host" conf:"default:0.0.0.0:3000"`
	ReadTimeout     time.Duration `toml:"read_timeout" conf:"default:5s"`
	WriteTimeout    time.Duration `toml:"write_timeout" conf:"default:5s"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" conf:"default:5s"`
	LogLocation     string        `toml:"log_location" conf:"default:log"`
	LogLevel        string        `toml:"log_level" conf:"default:debug"`
}

// ServicesConfig represents configurable properties for the components of the verifier
type ServicesConfig struct {
	StorageProvider string `toml:"storage"`
	StorageOption   any    `toml:"storage_option"`
	ServiceEndpoint string `toml:"service_endpoint"`

	VerificationConfig VerificationServiceConfig `toml:"verification,omitempty"`
}

// VerificationServiceConfig holds the OpenID4VP verification settings: how
// this verifier identifies itself to wallets, which DID methods it can
// resolve, and how issuer certificate chains are validated.
type VerificationServiceConfig struct {
	Name            string `toml:"name"`
	ServiceEndpoint string `toml:"service_endpoint"`

	// ClientID is the OAuth client identifier presented in authorization
	// requests; by default the response URI itself (redirect_uri scheme).
	ClientID       string `toml:"client_id"`
	ClientIDScheme string `toml:"client_id_scheme"`

	ResolutionMethods []string `toml:"resolution_methods"`

	// TrustedRootPaths point at PEM files holding the issuer CA roots mdoc
	// and x5c-keyed presentations are validated against.
	TrustedRootPaths        []string `toml:"trusted_roots"`
	ChainValidationRequired bool     `toml:"chain_validation_required"`

	SessionTTL time.Duration `toml:"session_ttl"`
}

// TrustedRoots loads the configured PEM files and returns the parsed root
// certificates. Returns nil when no paths are configured.
func (v VerificationServiceConfig) TrustedRoots() ([]*x509.Certificate, error) {
	if len(v.TrustedRootPaths) == 0 {
		return nil, nil
	}
	var roots []*x509.Certificate
	for _, path := range v.TrustedRootPaths {
		pemBytes, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "reading trusted root: %s", path)
		}
		found := false
		for block, rest := pem.Decode(pemBytes); block != nil; block, rest = pem.Decode(rest) {
			if block.Type != "CERTIFICATE" {
				continue
			}
			cert, parseErr := x509.ParseCertificate(block.Bytes)
			if parseErr != nil {
				return nil, errors.Wrapf(parseErr, "parsing trusted root: %s", path)
			}
			roots = append(roots, cert)
			found = true
		}
		if !found {
			return nil, errors.Errorf("no certificates found in: %s", path)
		}
	}
	return roots, nil
}

// LoadConfig attempts to load a TOML config file from the given path, and coerce it into our object model.
// Before loading, defaults are applied on certain properties, which are overwritten if specified in the TOML file.
func LoadConfig(path string) (*VerifierConfig, error) {
	// no path, load default config
	defaultConfig := false
	if path == "" {
		logrus.Info("no config path provided, loading default config...")
		defaultConfig = true
	} else if filepath.Ext(path) != ConfigExtension {
		return nil, fmt.Errorf("path<%s> did not match the expected TOML format", path)
	}

	var config VerifierConfig
	if err := conf.Parse(os.Args[1:], ServiceName, &config); err != nil {
		switch {
		case errors.Is(err, conf.ErrHelpWanted):
			usage, err := conf.Usage(ServiceName, &config)
			if err != nil {
				return nil, errors.Wrap(err, "parsing config")
			}
			fmt.Println(usage)
			return nil, nil

		case errors.Is(err, conf.ErrVersionWanted):
			version, err := conf.VersionString(ServiceName, &config)
			if err != nil {
				return nil, errors.Wrap(err, "generating config version")
			}
			fmt.Println(version)
			return nil, nil
		}
		return nil, errors.Wrap(err, "parsing config")
	}

	if defaultConfig {
		config.Services = ServicesConfig{
			StorageProvider: "bolt",
			ServiceEndpoint: DefaultServiceEndpoint,
			VerificationConfig: VerificationServiceConfig{
				Name:                    "verification",
				ResolutionMethods:       []string{"key", "web", "pkh", "peer"},
				ClientIDScheme:          "redirect_uri",
				ChainValidationRequired: false,
				SessionTTL:              5 * time.Minute,
			},
		}
	} else {
		// load from TOML file
		if _, err := toml.DecodeFile(path, &config); err != nil {
			return nil, errors.Wrapf(err, "could not load config: %s", path)
		}
	}

	// apply defaults not present in the file
	verification := &config.Services.VerificationConfig
	if verification.ServiceEndpoint == "" {
		verification.ServiceEndpoint = config.Services.ServiceEndpoint
	}
	if verification.ClientIDScheme == "" {
		verification.ClientIDScheme = "redirect_uri"
	}
	if len(verification.ResolutionMethods) == 0 {
		verification.ResolutionMethods = []string{"key", "web", "pkh", "peer"}
	}
	if verification.SessionTTL == 0 {
		verification.SessionTTL = 5 * time.Minute
	}
	// configuring roots means they are meant to be enforced
	if len(verification.TrustedRootPaths) > 0 {
		verification.ChainValidationRequired = true
	}

	return &config, nil
}
