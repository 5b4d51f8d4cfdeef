package mdoc

import (
	"crypto/sha256"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

// RequestBinding carries the authorization-request values the device signature
// is bound to. MdocGeneratedNonce is the wallet's ephemeral nonce, recovered
// from the apu header of the response JWS.
type RequestBinding struct {
	ClientID           string
	ResponseURI        string
	Nonce              string
	MdocGeneratedNonce string
	DocType            string
}

// OID4VPHandover builds the OID4VP handover structure of ISO 18013-7:
// [ sha256(cbor([clientId, mdocGeneratedNonce])),
//   sha256(cbor([responseUri, mdocGeneratedNonce])),
//   nonce ].
func OID4VPHandover(binding RequestBinding) ([]any, error) {
	clientIDBytes, err := cbor.Marshal([]any{binding.ClientID, binding.MdocGeneratedNonce})
	if err != nil {
		return nil, errors.Wrap(err, "encoding client id handover element")
	}
	responseURIBytes, err := cbor.Marshal([]any{binding.ResponseURI, binding.MdocGeneratedNonce})
	if err != nil {
		return nil, errors.Wrap(err, "encoding response uri handover element")
	}
	clientIDHash := sha256.Sum256(clientIDBytes)
	responseURIHash := sha256.Sum256(responseURIBytes)
	return []any{clientIDHash[:], responseURIHash[:], binding.Nonce}, nil
}

// DeviceAuthenticationBytes reconstructs the detached payload the device
// signature covers: tag 24 around
// ["DeviceAuthentication", SessionTranscript, docType, DeviceNameSpacesBytes].
// For OID4VP the session transcript is [null, null, handover] and the device
// namespaces are an empty map.
func DeviceAuthenticationBytes(binding RequestBinding) ([]byte, error) {
	handover, err := OID4VPHandover(binding)
	if err != nil {
		return nil, err
	}
	sessionTranscript := []any{nil, nil, handover}
	emptyNameSpaces := cbor.Tag{Number: encodedCBORTag, Content: []byte{0xa0}}
	deviceAuthentication := []any{
		"DeviceAuthentication",
		sessionTranscript,
		binding.DocType,
		emptyNameSpaces,
	}
	daBytes, err := cbor.Marshal(deviceAuthentication)
	if err != nil {
		return nil, errors.Wrap(err, "encoding device authentication")
	}
	tagged, err := cbor.Marshal(cbor.Tag{Number: encodedCBORTag, Content: daBytes})
	if err != nil {
		return nil, errors.Wrap(err, "encoding device authentication bytes")
	}
	return tagged, nil
}
