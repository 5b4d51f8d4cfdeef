// Package policy evaluates named verification policies against verifiable
// presentations and the credentials they carry. Policies are registered by
// name and applied in three scopes: the presentation itself, every credential,
// and credentials of a specific type.
package policy

import (
	"context"
	"encoding/base64"
	"strconv"
	"strings"

	"github.com/TBD54566975/ssi-sdk/credential/exchange"
	"github.com/TBD54566975/ssi-sdk/did/resolution"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/verity-id/oid4vp-verifier/internal/keyaccess"
)

type TargetKind string

const (
	TargetPresentation TargetKind = "vp"
	TargetCredential   TargetKind = "vc"
)

// Target is what a single policy application runs against.
type Target struct {
	Kind      TargetKind
	ID        string
	Token     keyaccess.JWT
	Claims    map[string]any
	Challenge Challenge
}

// Challenge carries the session context presentations must be bound to: the
// anti-replay values plus the presentation definition the wallet answered.
type Challenge struct {
	SessionID              string
	Nonce                  string
	ClientID               string
	PresentationDefinition *exchange.PresentationDefinition
}

// Policy is a named check. A nil return is a pass; a non-nil return carries
// the failure reason.
type Policy interface {
	Name() string
	Apply(ctx context.Context, target *Target, args json.RawMessage) error
}

// RequestedPolicy names a policy to run, with its optional argument.
type RequestedPolicy struct {
	Name     string          `json:"policy"`
	Argument json.RawMessage `json:"argument,omitempty"`
}

// PresentationPolicies groups the policies requested for one session.
type PresentationPolicies struct {
	VP         []RequestedPolicy            `json:"vp,omitempty"`
	VC         []RequestedPolicy            `json:"vc,omitempty"`
	SpecificVC map[string][]RequestedPolicy `json:"specific,omitempty"`
}

// Outcome is the result of one policy applied to one target.
type Outcome struct {
	PolicyName string `json:"policy"`
	Target     string `json:"target"`
	Verified   bool   `json:"verified"`
	Message    string `json:"message,omitempty"`
}

// Result aggregates all outcomes for a presentation. Verified is the
// conjunction of every outcome; an empty policy set is vacuously verified.
type Result struct {
	Verified bool      `json:"verified"`
	Outcomes []Outcome `json:"outcomes,omitempty"`
}

// Engine holds the policy registry.
type Engine struct {
	registry map[string]Policy
}

// NewEngine builds an engine with the built-in policies registered. The
// resolver backs the signature policy.
func NewEngine(resolver resolution.Resolver) (*Engine, error) {
	if resolver == nil {
		return nil, errors.New("resolver is required")
	}
	engine := &Engine{registry: make(map[string]Policy)}
	builtins := []Policy{
		&signaturePolicy{resolver: resolver},
		&holderBindingPolicy{},
		&expiredPolicy{},
		&notBeforePolicy{},
		&allowedIssuerPolicy{},
		&expressionPolicy{},
		&claimValuePolicy{},
	}
	for _, p := range builtins {
		if err := engine.RegisterPolicy(p); err != nil {
			return nil, err
		}
	}
	return engine, nil
}

// RegisterPolicy adds a policy to the registry; duplicate names are rejected.
func (e *Engine) RegisterPolicy(p Policy) error {
	if _, ok := e.registry[p.Name()]; ok {
		return errors.Errorf("policy already registered: %s", p.Name())
	}
	e.registry[p.Name()] = p
	return nil
}

// Evaluate runs the requested policies against the presentation token and
// each credential it carries, and returns every outcome. Unknown policy names
// and malformed tokens are errors, not failed outcomes.
func (e *Engine) Evaluate(ctx context.Context, vpToken keyaccess.JWT, challenge Challenge,
	policies PresentationPolicies) (*Result, error) {
	vpClaims, err := decodeJWTClaims(vpToken)
	if err != nil {
		return nil, errors.Wrap(err, "decoding presentation claims")
	}
	vpTarget := &Target{
		Kind:      TargetPresentation,
		ID:        "presentation",
		Token:     vpToken,
		Claims:    vpClaims,
		Challenge: challenge,
	}

	result := Result{Verified: true}
	if err = e.applyAll(ctx, vpTarget, policies.VP, &result); err != nil {
		return nil, err
	}

	credentials, err := extractCredentials(vpClaims)
	if err != nil {
		return nil, err
	}
	for i, credential := range credentials {
		target, buildErr := buildCredentialTarget(i, credential, challenge)
		if buildErr != nil {
			return nil, buildErr
		}
		if err = e.applyAll(ctx, target, policies.VC, &result); err != nil {
			return nil, err
		}
		for _, credentialType := range credentialTypes(target.Claims) {
			if specific, ok := policies.SpecificVC[credentialType]; ok {
				if err = e.applyAll(ctx, target, specific, &result); err != nil {
					return nil, err
				}
			}
		}
	}
	return &result, nil
}

func (e *Engine) applyAll(ctx context.Context, target *Target, requested []RequestedPolicy, result *Result) error {
	for _, request := range requested {
		p, ok := e.registry[request.Name]
		if !ok {
			return errors.Errorf("unknown policy: %s", request.Name)
		}
		outcome := Outcome{PolicyName: request.Name, Target: target.ID, Verified: true}
		if applyErr := p.Apply(ctx, target, request.Argument); applyErr != nil {
			logrus.WithError(applyErr).Debugf("policy %s failed for %s", request.Name, target.ID)
			outcome.Verified = false
			outcome.Message = applyErr.Error()
			result.Verified = false
		}
		result.Outcomes = append(result.Outcomes, outcome)
	}
	return nil
}

// extractCredentials reads vp.verifiableCredential, which may hold JWT strings
// or embedded credential objects.
func extractCredentials(vpClaims map[string]any) ([]any, error) {
	vp, ok := vpClaims["vp"].(map[string]any)
	if !ok {
		return nil, nil
	}
	rawCredentials, ok := vp["verifiableCredential"]
	if !ok || rawCredentials == nil {
		return nil, nil
	}
	credentials, ok := rawCredentials.([]any)
	if !ok {
		return nil, errors.New("verifiableCredential is not an array")
	}
	return credentials, nil
}

func buildCredentialTarget(index int, credential any, challenge Challenge) (*Target, error) {
	target := &Target{Kind: TargetCredential, Challenge: challenge}
	switch c := credential.(type) {
	case string:
		claims, err := decodeJWTClaims(keyaccess.JWT(c))
		if err != nil {
			return nil, errors.Wrapf(err, "decoding credential %d", index)
		}
		target.Token = keyaccess.JWT(c)
		target.Claims = claims
	case map[string]any:
		target.Claims = c
	default:
		return nil, errors.Errorf("credential %d has unsupported shape", index)
	}
	target.ID = credentialID(index, target.Claims)
	return target, nil
}

func credentialID(index int, claims map[string]any) string {
	if jti, ok := claims["jti"].(string); ok && jti != "" {
		return jti
	}
	if id, ok := claims["id"].(string); ok && id != "" {
		return id
	}
	return "credential-" + strconv.Itoa(index)
}

// credentialTypes collects type names from either an embedded credential or
// the vc claim of a credential JWT.
func credentialTypes(claims map[string]any) []string {
	source := claims
	if vc, ok := claims["vc"].(map[string]any); ok {
		source = vc
	}
	switch t := source["type"].(type) {
	case string:
		return []string{t}
	case []any:
		var types []string
		for _, entry := range t {
			if s, ok := entry.(string); ok {
				types = append(types, s)
			}
		}
		return types
	}
	return nil
}

func decodeJWTClaims(token keyaccess.JWT) (map[string]any, error) {
	parts := strings.Split(token.String(), ".")
	if len(parts) != 3 {
		return nil, errors.New("token is not a compact jwt")
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, errors.Wrap(err, "decoding jwt payload")
	}
	var claims map[string]any
	if err = json.Unmarshal(payload, &claims); err != nil {
		return nil, errors.Wrap(err, "unmarshalling jwt payload")
	}
	return claims, nil
}
