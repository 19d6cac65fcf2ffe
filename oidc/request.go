package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// doRequest performs a single outbound request to the provider.  A GET is
// issued when form is nil, otherwise a form-encoded POST.  The response
// body is returned for any 2xx status.  A non-2xx status yields the body
// and an error; callers classify provider error payloads themselves.
// There are no automatic retries.
func doRequest(ctx context.Context, client *http.Client, rawURL string, form url.Values) ([]byte, int, error) {
	const op = "oidc.doRequest"

	var req *http.Request
	var err error
	if form == nil {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, 0, fmt.Errorf("%s: unable to create request: %w", op, err)
	}

	resp, err := client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, 0, fmt.Errorf("%s: request to %s: %w", op, rawURL, ErrRequestTimeout)
		}
		return nil, 0, fmt.Errorf("%s: request to %s failed: %w", op, rawURL, err)
	}
	defer resp.Body.Close()

	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		if isTimeout(err) {
			return nil, resp.StatusCode, fmt.Errorf("%s: reading response from %s: %w", op, rawURL, ErrRequestTimeout)
		}
		return nil, resp.StatusCode, fmt.Errorf("%s: unable to read response from %s: %w", op, rawURL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return body, resp.StatusCode, fmt.Errorf("%s: %s returned status %d", op, rawURL, resp.StatusCode)
	}
	return body, resp.StatusCode, nil
}

// isTimeout reports whether err represents an exceeded connect/read
// deadline rather than a protocol failure.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// idpErrorFromBody maps a provider error payload ({"error": ...,
// "error_description": ...}) onto an *IdPError wrapping the given
// sentinel.  It returns nil when the body carries no recognizable error
// code.
func idpErrorFromBody(body []byte, sentinel error) *IdPError {
	var payload struct {
		Code        string `json:"error"`
		Description string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Code == "" {
		return nil
	}
	return &IdPError{
		Code:        payload.Code,
		Description: payload.Description,
		Err:         sentinel,
	}
}
