// Package mdoc implements verification of ISO 18013-5 mobile documents
// presented over OID4VP: CBOR device responses whose issuer- and device-signed
// structures are COSE Sign1 messages.
package mdoc

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/base64"
	"math/big"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	"github.com/veraison/go-cose"
)

const encodedCBORTag = 24

// DeviceResponse is the top-level structure a wallet returns, ISO 18013-5 §8.3.
type DeviceResponse struct {
	Version        string     `cbor:"version"`
	Documents      []Document `cbor:"documents,omitempty"`
	DocumentErrors []any      `cbor:"documentErrors,omitempty"`
	Status         uint       `cbor:"status"`
}

// ParseDeviceResponse decodes a base64url-encoded CBOR device response, the
// encoding mdocs travel in inside a vp_token.
func ParseDeviceResponse(vpToken string) (*DeviceResponse, error) {
	raw, err := base64.RawURLEncoding.DecodeString(vpToken)
	if err != nil {
		// wallets are inconsistent about padding
		if raw, err = base64.URLEncoding.DecodeString(vpToken); err != nil {
			return nil, errors.Wrap(err, "base64url decoding device response")
		}
	}
	var response DeviceResponse
	if err = cbor.Unmarshal(raw, &response); err != nil {
		return nil, errors.Wrap(err, "unmarshalling device response cbor")
	}
	return &response, nil
}

type Document struct {
	DocType      string       `cbor:"docType"`
	IssuerSigned IssuerSigned `cbor:"issuerSigned"`
	DeviceSigned DeviceSigned `cbor:"deviceSigned"`
}

type IssuerSigned struct {
	NameSpaces map[string][]cbor.RawMessage `cbor:"nameSpaces,omitempty"`
	IssuerAuth cose.UntaggedSign1Message    `cbor:"issuerAuth"`
}

// X5CertificateChain extracts the issuer's certificate chain from the
// issuerAuth unprotected header, leaf first per ISO 18013-5.
func (i *IssuerSigned) X5CertificateChain() ([]*x509.Certificate, error) {
	rawChain, ok := i.IssuerAuth.Headers.Unprotected[cose.HeaderLabelX5Chain]
	if !ok {
		return nil, errors.New("issuer key not found in x5chain header")
	}

	var derCerts [][]byte
	switch chain := rawChain.(type) {
	case []byte:
		derCerts = [][]byte{chain}
	case [][]byte:
		derCerts = chain
	case []any:
		for _, entry := range chain {
			der, ok := entry.([]byte)
			if !ok {
				return nil, errors.New("x5chain entry is not a byte string")
			}
			derCerts = append(derCerts, der)
		}
	default:
		return nil, errors.New("x5chain header has unsupported shape")
	}
	if len(derCerts) == 0 {
		return nil, errors.New("issuer key not found in x5chain header")
	}

	certs := make([]*x509.Certificate, 0, len(derCerts))
	for _, der := range derCerts {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, errors.Wrap(err, "parsing x5chain certificate")
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// MobileSecurityObject decodes the MSO from the issuerAuth payload, which is
// an embedded-CBOR (tag 24) byte string.
func (i *IssuerSigned) MobileSecurityObject() (*MobileSecurityObject, error) {
	if i.IssuerAuth.Payload == nil {
		return nil, errors.New("issuerAuth has no payload")
	}
	var tagged cbor.Tag
	if err := cbor.Unmarshal(i.IssuerAuth.Payload, &tagged); err != nil {
		return nil, errors.Wrap(err, "unmarshalling issuerAuth payload")
	}
	msoBytes, ok := tagged.Content.([]byte)
	if !ok {
		return nil, errors.New("issuerAuth payload is not an embedded cbor byte string")
	}
	var mso MobileSecurityObject
	if err := cbor.Unmarshal(msoBytes, &mso); err != nil {
		return nil, errors.Wrap(err, "unmarshalling mso")
	}
	return &mso, nil
}

type MobileSecurityObject struct {
	Version         string                     `cbor:"version"`
	DigestAlgorithm string                     `cbor:"digestAlgorithm"`
	ValueDigests    map[string]map[uint][]byte `cbor:"valueDigests"`
	DeviceKeyInfo   DeviceKeyInfo              `cbor:"deviceKeyInfo"`
	DocType         string                     `cbor:"docType"`
	ValidityInfo    ValidityInfo               `cbor:"validityInfo"`
}

// DeviceKey returns the device's public key bound by the MSO.
func (m *MobileSecurityObject) DeviceKey() (*ecdsa.PublicKey, error) {
	return m.DeviceKeyInfo.DeviceKey.ECDSAKey()
}

type DeviceKeyInfo struct {
	DeviceKey COSEKey `cbor:"deviceKey"`
}

// COSEKey is an RFC 9052 key structure; only EC2 public keys are supported.
type COSEKey struct {
	Kty int             `cbor:"1,keyasint,omitempty"`
	Kid []byte          `cbor:"2,keyasint,omitempty"`
	Alg int             `cbor:"3,keyasint,omitempty"`
	Crv int             `cbor:"-1,keyasint,omitempty"`
	X   cbor.RawMessage `cbor:"-2,keyasint,omitempty"`
	Y   cbor.RawMessage `cbor:"-3,keyasint,omitempty"`
}

// ECDSAKey converts an EC2 COSE key to an ecdsa public key.
func (k COSEKey) ECDSAKey() (*ecdsa.PublicKey, error) {
	var curve elliptic.Curve
	switch k.Crv {
	case 1:
		curve = elliptic.P256()
	case 2:
		curve = elliptic.P384()
	case 3:
		curve = elliptic.P521()
	default:
		return nil, errors.Errorf("unsupported cose key curve: %d", k.Crv)
	}

	var xBytes, yBytes []byte
	if err := cbor.Unmarshal(k.X, &xBytes); err != nil {
		return nil, errors.Wrap(err, "unmarshalling x coordinate")
	}
	if err := cbor.Unmarshal(k.Y, &yBytes); err != nil {
		return nil, errors.Wrap(err, "unmarshalling y coordinate")
	}
	return &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}, nil
}

// NewCOSEKey builds a COSE EC2 key from an ecdsa public key.
func NewCOSEKey(key *ecdsa.PublicKey) (*COSEKey, error) {
	var crv int
	switch key.Curve {
	case elliptic.P256():
		crv = 1
	case elliptic.P384():
		crv = 2
	case elliptic.P521():
		crv = 3
	default:
		return nil, errors.Errorf("unsupported curve: %s", key.Curve.Params().Name)
	}
	byteLen := (key.Curve.Params().BitSize + 7) / 8
	x, err := cbor.Marshal(key.X.FillBytes(make([]byte, byteLen)))
	if err != nil {
		return nil, err
	}
	y, err := cbor.Marshal(key.Y.FillBytes(make([]byte, byteLen)))
	if err != nil {
		return nil, err
	}
	return &COSEKey{Kty: 2, Crv: crv, X: x, Y: y}, nil
}

type ValidityInfo struct {
	Signed     time.Time `cbor:"signed"`
	ValidFrom  time.Time `cbor:"validFrom"`
	ValidUntil time.Time `cbor:"validUntil"`
}

type DeviceSigned struct {
	NameSpaces cbor.RawMessage `cbor:"nameSpaces"`
	DeviceAuth DeviceAuth      `cbor:"deviceAuth"`
}

type DeviceAuth struct {
	DeviceSignature cose.UntaggedSign1Message `cbor:"deviceSignature,omitempty"`
}
