package policy

import (
	"context"
	"time"

	"github.com/TBD54566975/ssi-sdk/did/resolution"
	"github.com/goccy/go-json"
	"github.com/google/cel-go/cel"
	"github.com/oliveagle/jsonpath"
	"github.com/pkg/errors"

	"github.com/verity-id/oid4vp-verifier/internal/did"
	"github.com/verity-id/oid4vp-verifier/internal/util"
)

// signaturePolicy verifies the target's JWT signature against the key of the
// DID named by its iss claim.
type signaturePolicy struct {
	resolver resolution.Resolver
}

func (*signaturePolicy) Name() string { return "signature" }

func (p *signaturePolicy) Apply(ctx context.Context, target *Target, _ json.RawMessage) error {
	if target.Token == "" {
		return errors.New("target is not a jwt")
	}
	issuer, ok := target.Claims["iss"].(string)
	if !ok || issuer == "" {
		return errors.New("missing iss claim")
	}
	if !util.IsDIDURL(issuer) {
		return errors.Errorf("issuer is not a did: %s", issuer)
	}
	kid, err := util.GetKeyIDFromJWT(target.Token.String())
	if err != nil {
		return errors.Wrap(err, "getting kid")
	}
	if err = did.VerifyTokenFromDID(ctx, p.resolver, issuer, kid, target.Token); err != nil {
		return errors.Wrap(err, "signature invalid")
	}
	return nil
}

// holderBindingPolicy checks that a presentation is bound to the session's
// nonce and addressed to this verifier.
type holderBindingPolicy struct{}

func (*holderBindingPolicy) Name() string { return "holder-binding" }

func (*holderBindingPolicy) Apply(_ context.Context, target *Target, _ json.RawMessage) error {
	if target.Kind != TargetPresentation {
		return errors.New("holder binding applies to presentations only")
	}
	nonce, _ := target.Claims["nonce"].(string)
	if nonce != target.Challenge.Nonce {
		return errors.New("nonce does not match the session challenge")
	}
	if !audienceContains(target.Claims["aud"], target.Challenge.ClientID) {
		return errors.New("audience does not include this verifier")
	}
	return nil
}

func audienceContains(aud any, clientID string) bool {
	switch a := aud.(type) {
	case string:
		return a == clientID
	case []any:
		for _, entry := range a {
			if s, ok := entry.(string); ok && s == clientID {
				return true
			}
		}
	}
	return false
}

// expiredPolicy fails when the target's exp claim or the embedded credential's
// expirationDate is in the past.
type expiredPolicy struct{}

func (*expiredPolicy) Name() string { return "expired" }

func (*expiredPolicy) Apply(_ context.Context, target *Target, _ json.RawMessage) error {
	now := time.Now()
	if exp, ok := numericDate(target.Claims["exp"]); ok && now.After(exp) {
		return errors.Errorf("expired at %s", exp.Format(time.RFC3339))
	}
	if expiration, ok := credentialDate(target.Claims, "expirationDate"); ok && now.After(expiration) {
		return errors.Errorf("credential expired at %s", expiration.Format(time.RFC3339))
	}
	return nil
}

// notBeforePolicy fails when the target is not yet valid.
type notBeforePolicy struct{}

func (*notBeforePolicy) Name() string { return "not-before" }

func (*notBeforePolicy) Apply(_ context.Context, target *Target, _ json.RawMessage) error {
	now := time.Now()
	if nbf, ok := numericDate(target.Claims["nbf"]); ok && now.Before(nbf) {
		return errors.Errorf("not valid before %s", nbf.Format(time.RFC3339))
	}
	if issuance, ok := credentialDate(target.Claims, "issuanceDate"); ok && now.Before(issuance) {
		return errors.Errorf("not valid before %s", issuance.Format(time.RFC3339))
	}
	return nil
}

func numericDate(claim any) (time.Time, bool) {
	switch v := claim.(type) {
	case float64:
		return time.Unix(int64(v), 0), true
	case int64:
		return time.Unix(v, 0), true
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return time.Unix(i, 0), true
		}
	}
	return time.Time{}, false
}

func credentialDate(claims map[string]any, field string) (time.Time, bool) {
	source := claims
	if vc, ok := claims["vc"].(map[string]any); ok {
		source = vc
	}
	raw, ok := source[field].(string)
	if !ok {
		return time.Time{}, false
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}

// allowedIssuerPolicy checks the target's issuer against an allow list given
// as the policy argument: a single string or an array of strings.
type allowedIssuerPolicy struct{}

func (*allowedIssuerPolicy) Name() string { return "allowed-issuer" }

func (*allowedIssuerPolicy) Apply(_ context.Context, target *Target, args json.RawMessage) error {
	allowed, err := parseIssuerList(args)
	if err != nil {
		return err
	}
	issuer := targetIssuer(target.Claims)
	if issuer == "" {
		return errors.New("target has no issuer")
	}
	for _, candidate := range allowed {
		if candidate == issuer {
			return nil
		}
	}
	return errors.Errorf("issuer not allowed: %s", issuer)
}

func parseIssuerList(args json.RawMessage) ([]string, error) {
	if len(args) == 0 {
		return nil, errors.New("allowed-issuer requires an argument")
	}
	var single string
	if err := json.Unmarshal(args, &single); err == nil {
		return []string{single}, nil
	}
	var list []string
	if err := json.Unmarshal(args, &list); err != nil {
		return nil, errors.Wrap(err, "parsing allowed issuers")
	}
	return list, nil
}

func targetIssuer(claims map[string]any) string {
	if iss, ok := claims["iss"].(string); ok && iss != "" {
		return iss
	}
	source := claims
	if vc, ok := claims["vc"].(map[string]any); ok {
		source = vc
	}
	switch issuer := source["issuer"].(type) {
	case string:
		return issuer
	case map[string]any:
		if id, ok := issuer["id"].(string); ok {
			return id
		}
	}
	return ""
}

// expressionPolicy evaluates a CEL expression against the target's claims,
// bound to the variable `credential`. The expression must yield a boolean.
type expressionPolicy struct{}

func (*expressionPolicy) Name() string { return "expression" }

type expressionArgs struct {
	Expression string `json:"expression"`
}

func (*expressionPolicy) Apply(_ context.Context, target *Target, args json.RawMessage) error {
	var parsed expressionArgs
	if err := json.Unmarshal(args, &parsed); err != nil || parsed.Expression == "" {
		return errors.New("expression policy requires an expression argument")
	}
	env, err := cel.NewEnv(cel.Variable("credential", cel.DynType))
	if err != nil {
		return errors.Wrap(err, "creating cel env")
	}
	ast, issues := env.Compile(parsed.Expression)
	if issues != nil && issues.Err() != nil {
		return errors.Wrap(issues.Err(), "compiling expression")
	}
	program, err := env.Program(ast)
	if err != nil {
		return errors.Wrap(err, "creating program from ast")
	}
	out, _, err := program.Eval(map[string]any{"credential": target.Claims})
	if err != nil {
		return errors.Wrap(err, "evaluating expression")
	}
	if out.Value() != true {
		return errors.Errorf("expression not satisfied: %s", parsed.Expression)
	}
	return nil
}

// claimValuePolicy looks a claim up by JSON path and compares it against an
// expected value.
type claimValuePolicy struct{}

func (*claimValuePolicy) Name() string { return "claim-value" }

type claimValueArgs struct {
	Path  string `json:"path"`
	Value any    `json:"value"`
}

func (*claimValuePolicy) Apply(_ context.Context, target *Target, args json.RawMessage) error {
	var parsed claimValueArgs
	if err := json.Unmarshal(args, &parsed); err != nil || parsed.Path == "" {
		return errors.New("claim-value policy requires path and value arguments")
	}
	var document any = map[string]any(target.Claims)
	found, err := jsonpath.JsonPathLookup(document, parsed.Path)
	if err != nil {
		return errors.Wrapf(err, "claim not found at %s", parsed.Path)
	}
	if !jsonEqual(found, parsed.Value) {
		return errors.Errorf("claim at %s does not match the expected value", parsed.Path)
	}
	return nil
}

func jsonEqual(a, b any) bool {
	aBytes, errA := json.Marshal(a)
	bBytes, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(aBytes) == string(bBytes)
}
