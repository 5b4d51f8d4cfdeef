package verification

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/verity-id/oid4vp-verifier/internal/util"
)

const callbackMaxElapsedTime = 10 * time.Second

// CallbackClient posts session outcomes to the callback URI registered at
// session creation, retrying transient failures.
type CallbackClient struct {
	httpClient *http.Client
}

func NewCallbackClient(httpClient *http.Client) *CallbackClient {
	if httpClient == nil {
		httpClient = new(http.Client)
	}
	return &CallbackClient{httpClient: httpClient}
}

// Post sends the result to the callback URI, authenticating with the bearer
// API key when one was registered.
func (c *CallbackClient) Post(ctx context.Context, callback *StatusCallback, result *VerificationResult) error {
	if callback == nil || callback.URI == "" {
		return nil
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return errors.Wrap(err, "marshalling callback payload")
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = callbackMaxElapsedTime
	return backoff.Retry(func() error {
		request, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, callback.URI, bytes.NewReader(payload))
		if reqErr != nil {
			return backoff.Permanent(reqErr)
		}
		request.Header.Set("Content-Type", "application/json")
		if callback.APIKey != "" {
			request.Header.Set("Authorization", "Bearer "+callback.APIKey)
		}
		response, postErr := c.httpClient.Do(request)
		if postErr != nil {
			logrus.WithError(postErr).Debugf("status callback attempt failed: %s", callback.URI)
			return postErr
		}
		defer func() { _ = response.Body.Close() }()
		if !util.Is2xxResponse(response.StatusCode) {
			return errors.Errorf("callback returned status: %d", response.StatusCode)
		}
		return nil
	}, backoff.WithContext(expBackoff, ctx))
}
