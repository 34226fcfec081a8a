package provider

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StatusError is a non-200 response from the provider API.
type StatusError struct {
	Provider string
	Code     int
	Msg      string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Msg)
}

// requestError is a transport failure before any response arrived.
type requestError struct {
	provider string
	err      error
}

func (e *requestError) Error() string {
	return fmt.Sprintf("provider %s: %s", e.provider, friendlyProviderError(e.err))
}

func (e *requestError) Unwrap() error { return e.err }

// parseProviderError extracts a human-readable error from provider API responses.
func parseProviderError(statusCode int, body []byte) string {
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &errResp) == nil {
		msg := errResp.Error.Message
		if msg == "" {
			msg = errResp.Message
		}
		if msg != "" {
			return msg
		}
	}

	switch statusCode {
	case 401:
		return "authentication failed, check your API key"
	case 403:
		return "access denied, the API key lacks the required permissions"
	case 404:
		return "model or endpoint not found"
	case 429:
		return "rate limited, too many requests"
	case 500:
		return "internal server error on the provider side"
	case 502, 503:
		return "provider service temporarily unavailable"
	case 529:
		return "provider is overloaded, please try again later"
	}

	s := string(body)
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return fmt.Sprintf("HTTP %d: %s", statusCode, s)
}

// friendlyProviderError converts common network errors to user-friendly messages.
func friendlyProviderError(err error) string {
	msg := err.Error()
	if strings.Contains(msg, "connection refused") {
		return "connection refused (is the service running?)"
	}
	if strings.Contains(msg, "no such host") {
		return "host not found (check the URL)"
	}
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") {
		return "connection timed out (service may be starting up)"
	}
	if strings.Contains(msg, "EOF") {
		return "connection closed unexpectedly"
	}
	if strings.Contains(msg, "reset by peer") {
		return "connection reset by server"
	}
	return msg
}
