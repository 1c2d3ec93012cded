// Package auth verifies dashboard access tokens. A token is either checked
// against a static shared secret (development) or against an HTTP
// verification endpoint (production), and verification yields the account
// name the token belongs to.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"github.com/msgops/feedwire/pkg/logger"
)

const clientTimeout = 10 * time.Second

// ErrInvalidToken is returned when a token is rejected by the verifier.
var ErrInvalidToken = errors.New("invalid access token")

// Static verifies tokens against a single shared secret. All valid tokens
// map to the same account.
type Static struct {
	token   string
	account string
}

// NewStatic creates a static verifier. account names the identity granted
// to holders of the token.
func NewStatic(token, account string) *Static {
	return &Static{token: token, account: account}
}

// Verify checks the presented token against the shared secret.
func (s *Static) Verify(_ context.Context, token string) (string, error) {
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) != 1 {
		return "", ErrInvalidToken
	}
	return s.account, nil
}

// Client verifies tokens against an HTTP endpoint. The endpoint receives
// the token as a bearer credential and responds with the account it
// belongs to.
type Client struct {
	httpClient *http.Client
	endpoint   string
}

// NewClient creates a verifier backed by the given verification endpoint.
func NewClient(endpoint string) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid verification endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("verification endpoint must be http or https, got %q", u.Scheme)
	}
	return &Client{
		httpClient: &http.Client{Timeout: clientTimeout},
		endpoint:   endpoint,
	}, nil
}

// account matches the verification endpoint's response body.
type account struct {
	Account string `json:"account"`
}

// Verify asks the endpoint who the token belongs to. Transient failures
// are retried with exponential backoff; rejections are not.
func (c *Client) Verify(ctx context.Context, token string) (string, error) {
	var acct string
	var lastErr error

	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, http.NoBody)
			if err != nil {
				return fmt.Errorf("failed to create request: %w", err)
			}

			req.Header.Set("Authorization", "Bearer "+token)
			req.Header.Set("Accept", "application/json")
			req.Header.Set("User-Agent", "feedwire/1.0")

			resp, err := c.httpClient.Do(req)
			if err != nil {
				lastErr = fmt.Errorf("verification request failed: %w", err)
				logger.Warn("token verification request failed, will retry", logger.Fields{"error": err})
				return err
			}
			defer func() {
				if err := resp.Body.Close(); err != nil {
					logger.Warn("failed to close response body", logger.Fields{"error": err})
				}
			}()

			body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // 1MB limit
			if err != nil {
				lastErr = fmt.Errorf("failed to read response: %w", err)
				return err
			}

			switch resp.StatusCode {
			case http.StatusOK:
				var a account
				if err := json.Unmarshal(body, &a); err != nil {
					return retry.Unrecoverable(fmt.Errorf("failed to parse verification response: %w", err))
				}
				if a.Account == "" {
					return retry.Unrecoverable(errors.New("no account in verification response"))
				}
				acct = a.Account
				return nil

			case http.StatusUnauthorized, http.StatusForbidden:
				// Rejections are final, do not retry.
				lastErr = ErrInvalidToken
				return retry.Unrecoverable(ErrInvalidToken)

			case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
				lastErr = fmt.Errorf("verification endpoint error: %d", resp.StatusCode)
				logger.Warn("verification endpoint error, will retry", logger.Fields{"status": resp.StatusCode})
				return lastErr

			default:
				return retry.Unrecoverable(fmt.Errorf("unexpected verification status: %d", resp.StatusCode))
			}
		},
		retry.Attempts(3),
		retry.DelayType(retry.BackOffDelay),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
	)
	if err != nil {
		if lastErr != nil {
			return "", lastErr
		}
		return "", err
	}

	return acct, nil
}
