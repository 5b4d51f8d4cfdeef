package config

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultConfig(t *testing.T) {
	config, err := LoadConfig("")
	assert.NoError(t, err)
	assert.NotEmpty(t, config)

	assert.False(t, config.Server.ReadTimeout.String() == "")
	assert.False(t, config.Server.WriteTimeout.String() == "")
	assert.False(t, config.Server.ShutdownTimeout.String() == "")
	assert.False(t, config.Server.APIHost == "")

	assert.NotEmpty(t, config.Services.StorageProvider)
	assert.Equal(t, "redirect_uri", config.Services.VerificationConfig.ClientIDScheme)
	assert.NotEmpty(t, config.Services.VerificationConfig.ResolutionMethods)
	assert.NotZero(t, config.Services.VerificationConfig.SessionTTL)
	assert.False(t, config.Services.VerificationConfig.ChainValidationRequired)
}

func TestLoadConfigFromFile(t *testing.T) {
	config, err := LoadConfig("config.toml")
	assert.NoError(t, err)
	assert.NotEmpty(t, config)

	assert.Equal(t, "bolt", config.Services.StorageProvider)
	assert.Equal(t, "http://localhost:8080", config.Services.ServiceEndpoint)
	assert.Equal(t, "http://localhost:8080", config.Services.VerificationConfig.ServiceEndpoint)
	assert.NotZero(t, config.Services.VerificationConfig.SessionTTL)
}

func TestLoadConfigRejectsNonTOML(t *testing.T) {
	_, err := LoadConfig("config.yaml")
	assert.Error(t, err)
}

func TestTrustedRootsEmpty(t *testing.T) {
	var verification VerificationServiceConfig
	roots, err := verification.TrustedRoots()
	assert.NoError(t, err)
	assert.Nil(t, roots)
}

func TestTrustedRootsFromPEM(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Config Test Root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	rootPath := filepath.Join(t.TempDir(), "root.pem")
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	require.NoError(t, os.WriteFile(rootPath, pemBytes, 0600))

	verification := VerificationServiceConfig{TrustedRootPaths: []string{rootPath}}
	roots, err := verification.TrustedRoots()
	require.NoError(t, err)
	require.Len(t, roots, 1)
	assert.Equal(t, "Config Test Root", roots[0].Subject.CommonName)

	verification.TrustedRootPaths = []string{filepath.Join(t.TempDir(), "missing.pem")}
	_, err = verification.TrustedRoots()
	assert.Error(t, err)
}
