// Package httpx holds the pieces every HTTP handler shares: the response
// envelope, error-to-status mapping, path/query parsing and middleware.
package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"bookloans/internal/access"
	"bookloans/internal/common"
	"bookloans/internal/logging"
)

// Envelope is the body of every response.
type Envelope struct {
	Message       string `json:"Message"`
	Data          any    `json:"Data,omitempty"`
	Details       any    `json:"Details,omitempty"`
	CorrelationID string `json:"CorrelationId"`
}

// JSON writes an envelope with the given status.
func JSON(w http.ResponseWriter, r *http.Request, status int, message string, data any) {
	writeEnvelope(w, status, Envelope{
		Message:       message,
		Data:          data,
		CorrelationID: logging.CorrelationID(r.Context()),
	})
}

// Fail maps err to a status. Domain errors keep their message; anything else is
// logged with its full cause and replaced by fallback.
func Fail(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error, fallback string) {
	status := StatusFor(err)
	env := Envelope{CorrelationID: logging.CorrelationID(r.Context())}

	var de *common.Error
	if status == http.StatusInternalServerError || !errors.As(err, &de) {
		logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path, "status", status, "error", err)
		env.Message = fallback
		writeEnvelope(w, http.StatusInternalServerError, env)
		return
	}

	env.Message = de.Message
	if env.Message == "" {
		env.Message = http.StatusText(status)
	}
	if de.Field != "" {
		env.Details = map[string]string{"field": de.Field}
	}
	logger.InfoContext(r.Context(), "request rejected",
		"method", r.Method, "path", r.URL.Path, "status", status, "kind", de.Kind.String())
	writeEnvelope(w, status, env)
}

// StatusFor returns the HTTP status for an error kind.
func StatusFor(err error) int {
	switch common.KindOf(err) {
	case common.KindValidation, common.KindNoCopiesAvailable:
		return http.StatusBadRequest
	case common.KindUnauthenticated:
		return http.StatusUnauthorized
	case common.KindNotAuthorized:
		return http.StatusForbidden
	case common.KindBookNotFound, common.KindBorrowRecordNotFound, common.KindAlreadyReturned, common.KindUserNotFound,
		common.KindNotFound:
		return http.StatusNotFound
	case common.KindConflict:
		return http.StatusConflict
	case common.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeEnvelope(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

// PathID parses a positive integer URL parameter.
func PathID(r *http.Request, name, label string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, common.Validation(name, "Invalid "+label)
	}
	return id, nil
}

// QueryID parses an optional positive integer query parameter.
func QueryID(r *http.Request, name string) (*int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return nil, common.Validation(name, "Invalid "+name)
	}
	return &id, nil
}

// Decode reads a JSON body into v, rejecting unknown fields.
func Decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return common.Validation("body", "Invalid request body.")
	}
	return nil
}

// Identity returns the authenticated caller or an Unauthenticated error.
func Identity(r *http.Request) (access.Identity, error) {
	id, ok := access.FromContext(r.Context())
	if !ok || id.UserID <= 0 {
		return access.Identity{}, common.Unauthenticated("Authentication required.")
	}
	return id, nil
}

// ClientAddr is the host part of the peer address.
func ClientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
