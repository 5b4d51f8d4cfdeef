package keyresolver

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/TBD54566975/ssi-sdk/crypto"
	"github.com/TBD54566975/ssi-sdk/did/key"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	didint "github.com/verity-id/oid4vp-verifier/internal/did"
)

func newTestResolver(t *testing.T, roots []*x509.Certificate, requireChain bool) *MultiStrategyResolver {
	t.Helper()
	didResolver, err := didint.BuildMultiMethodResolver([]string{"key"})
	require.NoError(t, err)
	resolver, err := NewMultiStrategyResolver(didResolver, roots, requireChain)
	require.NoError(t, err)
	return resolver
}

func newCertChain(t *testing.T) (root *x509.Certificate, leafDER []byte, leafKey *ecdsa.PrivateKey) {
	t.Helper()
	rootKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	rootTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Root CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTemplate, rootTemplate, &rootKey.PublicKey, rootKey)
	require.NoError(t, err)
	root, err = x509.ParseCertificate(rootDER)
	require.NoError(t, err)

	leafKey, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	leafTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "Test Issuer"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	leafDER, err = x509.CreateCertificate(rand.Reader, leafTemplate, root, &leafKey.PublicKey, rootKey)
	require.NoError(t, err)
	return root, leafDER, leafKey
}

func TestResolveDIDKey(t *testing.T) {
	resolver := newTestResolver(t, nil, false)

	privKey, didKey, err := key.GenerateDIDKey(crypto.Ed25519)
	require.NoError(t, err)
	require.NotEmpty(t, privKey)
	expanded, err := didKey.Expand()
	require.NoError(t, err)
	kid := expanded.VerificationMethod[0].ID

	keyInfo, err := resolver.Resolve(context.Background(), Header{KeyID: kid})
	require.NoError(t, err)
	assert.Equal(t, kid, keyInfo.ID)
	assert.NotNil(t, keyInfo.PublicKey)
}

func TestResolveUnknownDIDMethod(t *testing.T) {
	resolver := newTestResolver(t, nil, false)

	_, err := resolver.Resolve(context.Background(), Header{KeyID: "did:fake:abc#key-1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnresolvableIdentifier))
}

func TestResolveEmbeddedJWK(t *testing.T) {
	resolver := newTestResolver(t, nil, false)

	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	jwkKey, err := jwk.FromRaw(ecKey)
	require.NoError(t, err)
	require.NoError(t, jwkKey.Set(jwk.KeyIDKey, "issuer-key-1"))

	keyInfo, err := resolver.Resolve(context.Background(), Header{JWK: jwkKey})
	require.NoError(t, err)
	assert.Equal(t, "issuer-key-1", keyInfo.ID)

	pubKey, ok := keyInfo.PublicKey.(*ecdsa.PublicKey)
	require.True(t, ok)
	assert.True(t, pubKey.Equal(&ecKey.PublicKey))
}

func TestResolveX509Chain(t *testing.T) {
	root, leafDER, leafKey := newCertChain(t)

	t.Run("trusted chain resolves leaf key", func(t *testing.T) {
		resolver := newTestResolver(t, []*x509.Certificate{root}, true)

		keyInfo, err := resolver.Resolve(context.Background(), Header{X5Chain: [][]byte{root.Raw, leafDER}})
		require.NoError(t, err)
		assert.Equal(t, "Test Issuer", keyInfo.ID)
		assert.Len(t, keyInfo.Chain, 2)

		pubKey, ok := keyInfo.PublicKey.(*ecdsa.PublicKey)
		require.True(t, ok)
		assert.True(t, pubKey.Equal(&leafKey.PublicKey))
	})

	t.Run("untrusted root fails chain validation", func(t *testing.T) {
		otherRoot, _, _ := newCertChain(t)
		resolver := newTestResolver(t, []*x509.Certificate{otherRoot}, true)

		_, err := resolver.Resolve(context.Background(), Header{X5Chain: [][]byte{root.Raw, leafDER}})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrChainValidationFailed))
	})

	t.Run("validation disabled accepts any chain", func(t *testing.T) {
		resolver := newTestResolver(t, nil, false)

		keyInfo, err := resolver.Resolve(context.Background(), Header{X5Chain: [][]byte{leafDER}})
		require.NoError(t, err)
		assert.NotNil(t, keyInfo.Certificate)
	})

	t.Run("garbage certificate is rejected", func(t *testing.T) {
		resolver := newTestResolver(t, nil, false)

		_, err := resolver.Resolve(context.Background(), Header{X5Chain: [][]byte{[]byte("not a cert")}})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrUnsupportedKeyEncoding))
	})
}

func TestResolveNoStrategy(t *testing.T) {
	resolver := newTestResolver(t, nil, false)

	_, err := resolver.Resolve(context.Background(), Header{KeyID: "not-a-did"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedKeyEncoding))
}

func TestNewMultiStrategyResolverRequiresRoots(t *testing.T) {
	didResolver, err := didint.BuildMultiMethodResolver([]string{"key"})
	require.NoError(t, err)

	_, err = NewMultiStrategyResolver(didResolver, nil, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no trusted roots")

	_, err = NewMultiStrategyResolver(nil, nil, false)
	require.Error(t, err)
}
