package monzo

import (
	"fmt"
	"net/http"
)

// OAuthExchangeError is returned when the token endpoint rejects a code exchange or refresh.
type OAuthExchangeError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *OAuthExchangeError) Error() string {
	return fmt.Sprintf("monzo oauth exchange failed (status %d): %s %s", e.StatusCode, e.Code, e.Message)
}

func (e *OAuthExchangeError) HTTPStatus() int { return e.StatusCode }

// AuthError is returned for 401/403 responses. SCAPending is set when the provider refuses
// access because the user has not yet approved the connection in their banking app.
type AuthError struct {
	StatusCode int
	Code       string
	Message    string
	SCAPending bool
}

func (e *AuthError) Error() string {
	if e.SCAPending {
		return "monzo access pending strong customer authentication approval in the Monzo app"
	}
	return fmt.Sprintf("monzo authentication failed (status %d): %s %s", e.StatusCode, e.Code, e.Message)
}

func (e *AuthError) HTTPStatus() int { return e.StatusCode }

// APIError is any other non-2xx response. RetryAfter carries the raw Retry-After header.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	RetryAfter string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("monzo api error (status %d): %s %s", e.StatusCode, e.Code, e.Message)
}

func (e *APIError) HTTPStatus() int { return e.StatusCode }

func (e *APIError) RetryAfterHeader() string { return e.RetryAfter }

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newResponseError(resp *http.Response, body errorBody) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &AuthError{
			StatusCode: resp.StatusCode,
			Code:       body.Code,
			Message:    body.Message,
			SCAPending: resp.StatusCode == http.StatusForbidden && body.Code == "forbidden.insufficient_permissions",
		}
	default:
		return &APIError{
			StatusCode: resp.StatusCode,
			Code:       body.Code,
			Message:    body.Message,
			RetryAfter: resp.Header.Get("Retry-After"),
		}
	}
}
