// Package gqlhttp sends GraphQL operations to a backend over HTTP POST.
package gqlhttp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/buger/jsonparser"
	"github.com/goccy/go-json"
	"github.com/kioskworks/kiosksync/pkg/constants"
	"github.com/kioskworks/kiosksync/pkg/errclass"
	"github.com/kioskworks/kiosksync/pkg/models"
	"github.com/kioskworks/kiosksync/pkg/transport"
)

// Client implements transport.Caller.
type Client struct {
	HTTPClient *http.Client
	// Header is added to every request.
	Header http.Header
}

var _ transport.Caller = (*Client)(nil)

// New returns a client with the given request timeout.
func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = constants.DefaultHTTPTimeout
	}
	return &Client{HTTPClient: &http.Client{Timeout: timeout}}
}

// Do posts req to ep.HTTP and returns the raw response body.
// A non-2xx status returns *errclass.HTTPStatusError; a non-empty GraphQL
// errors array returns errclass.GraphQLErrors together with the body.
func (c *Client) Do(ctx context.Context, ep models.BackendEndpoint, req transport.Request) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("gqlhttp: failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.HTTP, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gqlhttp: failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for k, vs := range c.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	res, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gqlhttp: request to %s failed: %w", ep.Name, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("gqlhttp: failed to read response from %s: %w", ep.Name, err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, &errclass.HTTPStatusError{StatusCode: res.StatusCode, Body: string(raw)}
	}

	if errs := ParseErrors(raw); len(errs) > 0 {
		return raw, errs
	}
	return raw, nil
}

// ParseErrors extracts the top-level GraphQL errors array of a response.
func ParseErrors(raw []byte) errclass.GraphQLErrors {
	v, dt, _, err := jsonparser.Get(raw, "errors")
	if err != nil || dt != jsonparser.Array {
		return nil
	}
	var errs errclass.GraphQLErrors
	if err := json.Unmarshal(v, &errs); err != nil {
		return errclass.GraphQLErrors{{Message: string(v)}}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}
