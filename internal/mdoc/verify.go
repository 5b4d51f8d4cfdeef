package mdoc

import (
	"crypto/x509"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/veraison/go-cose"

	"github.com/verity-id/oid4vp-verifier/internal/keyresolver"
)

// VerificationResult is the outcome of verifying a device response. A false
// Verified with a Message is a diagnosable presentation failure; structural
// problems surface as errors instead.
type VerificationResult struct {
	Verified bool
	Message  string
}

func failure(format string, args ...any) *VerificationResult {
	return &VerificationResult{Verified: false, Message: fmt.Sprintf(format, args...)}
}

// Verifier checks ISO 18013-5 device responses presented over OID4VP.
type Verifier struct {
	trustedRoots *x509.CertPool
	requireChain bool
}

// NewVerifier builds an mdoc verifier. When requireChain is set the issuer's
// x5chain must validate against the supplied roots; roots must then be
// non-empty.
func NewVerifier(trustedRoots *x509.CertPool, requireChain bool) (*Verifier, error) {
	if requireChain && trustedRoots == nil {
		return nil, errors.New("chain validation required but no trusted roots configured")
	}
	return &Verifier{trustedRoots: trustedRoots, requireChain: requireChain}, nil
}

// VerifyDeviceResponse verifies a base64url CBOR device response against the
// request binding: issuer signature over the MSO (with optional certificate
// chain validation), device signature over the reconstructed device
// authentication bytes, and the MSO validity window.
func (v *Verifier) VerifyDeviceResponse(vpToken string, binding RequestBinding) (*VerificationResult, error) {
	if binding.DocType == "" {
		return nil, errors.New("request binding has no doc type")
	}
	response, err := ParseDeviceResponse(vpToken)
	if err != nil {
		return nil, err
	}
	if len(response.Documents) == 0 {
		return nil, errors.New("device response contains no documents")
	}
	document := response.Documents[0]

	chain, err := document.IssuerSigned.X5CertificateChain()
	if err != nil {
		return nil, err
	}
	if v.requireChain {
		if err = v.validateChain(chain); err != nil {
			return nil, errors.Wrap(keyresolver.ErrChainValidationFailed, err.Error())
		}
	}

	issuerKey := chain[0].PublicKey
	issuerAlg, err := document.IssuerSigned.IssuerAuth.Headers.Protected.Algorithm()
	if err != nil {
		return nil, errors.Wrap(err, "reading issuerAuth algorithm")
	}
	issuerVerifier, err := cose.NewVerifier(issuerAlg, issuerKey)
	if err != nil {
		return nil, errors.Wrap(err, "building issuer verifier")
	}
	if err = document.IssuerSigned.IssuerAuth.Verify(nil, issuerVerifier); err != nil {
		logrus.WithError(err).Debug("mdoc issuer signature verification failed")
		return failure("issuer signature invalid"), nil
	}

	mso, err := document.IssuerSigned.MobileSecurityObject()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if now.Before(mso.ValidityInfo.ValidFrom) {
		return failure("document not yet valid"), nil
	}
	if now.After(mso.ValidityInfo.ValidUntil) {
		return failure("document expired"), nil
	}

	deviceKey, err := mso.DeviceKey()
	if err != nil {
		return nil, errors.Wrap(err, "device key not found in mso")
	}
	deviceAuthBytes, err := DeviceAuthenticationBytes(binding)
	if err != nil {
		return nil, err
	}
	deviceSignature := document.DeviceSigned.DeviceAuth.DeviceSignature
	deviceAlg, err := deviceSignature.Headers.Protected.Algorithm()
	if err != nil {
		return nil, errors.Wrap(err, "reading device signature algorithm")
	}
	deviceVerifier, err := cose.NewVerifier(deviceAlg, deviceKey)
	if err != nil {
		return nil, errors.Wrap(err, "building device verifier")
	}
	// detached payload
	deviceSignature.Payload = deviceAuthBytes
	if err = deviceSignature.Verify(nil, deviceVerifier); err != nil {
		logrus.WithError(err).Debug("mdoc device signature verification failed")
		return failure("device signature invalid"), nil
	}

	return &VerificationResult{Verified: true}, nil
}

func (v *Verifier) validateChain(chain []*x509.Certificate) error {
	intermediates := x509.NewCertPool()
	for _, cert := range chain[1:] {
		intermediates.AddCert(cert)
	}
	_, err := chain[0].Verify(x509.VerifyOptions{
		Roots:         v.trustedRoots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	return errors.Wrap(err, "validating issuer certificate chain")
}
