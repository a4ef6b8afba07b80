package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// HTTPError is a non-2xx Graph response.
type HTTPError struct {
	Status     int
	Code       string
	Message    string
	RetryAfter int
}

func (e *HTTPError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("graph: status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("graph: status %d (%s): %s", e.Status, e.Code, e.Message)
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func parseHTTPError(resp *http.Response) *HTTPError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	he := &HTTPError{Status: resp.StatusCode}
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Code != "" {
		he.Code = env.Error.Code
		he.Message = env.Error.Message
	} else {
		he.Message = strings.TrimSpace(string(body))
	}
	if s := resp.Header.Get("Retry-After"); s != "" {
		he.RetryAfter, _ = strconv.Atoi(s)
	}
	return he
}

// Codes Graph uses when a conversation id does not name a chat.
var conversationNotFoundCodes = map[string]bool{
	"NotFound":        true,
	"ItemNotFound":    true,
	"InvalidThreadId": true,
	"ThreadNotFound":  true,
}

// IsConversationNotFound reports whether err means the id is not a known
// chat. Authorization and transport failures are never classified this way.
func IsConversationNotFound(err error) bool {
	var he *HTTPError
	if !errors.As(err, &he) {
		return false
	}
	switch he.Status {
	case http.StatusNotFound:
		return true
	case http.StatusBadRequest:
		if conversationNotFoundCodes[he.Code] {
			return true
		}
		msg := strings.ToLower(he.Message)
		return strings.Contains(msg, "thread id") ||
			strings.Contains(msg, "threadid") ||
			strings.Contains(msg, "conversation") && (strings.Contains(msg, "not found") || strings.Contains(msg, "invalid"))
	}
	return false
}

// IsPayloadRejected reports whether Graph refused the message body itself.
func IsPayloadRejected(err error) bool {
	var he *HTTPError
	if !errors.As(err, &he) {
		return false
	}
	switch he.Status {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge,
		http.StatusUnsupportedMediaType, http.StatusUnprocessableEntity:
		return !IsConversationNotFound(err)
	}
	return false
}

func IsUnauthorized(err error) bool {
	var he *HTTPError
	if !errors.As(err, &he) {
		return false
	}
	return he.Status == http.StatusUnauthorized || he.Status == http.StatusForbidden
}

func IsRateLimited(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.Status == http.StatusTooManyRequests
}

// IsTimeout reports deadline and network timeout failures.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsTransport reports failures where no HTTP response was received,
// including requests abandoned because their context ended.
func IsTransport(err error) bool {
	if IsTimeout(err) || errors.Is(err, context.Canceled) {
		return true
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}
