package lib

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/antimoltbook/verifier"
	"github.com/antimoltbook/verifier/internal"
	"github.com/antimoltbook/verifier/lib/challenge"
	"github.com/antimoltbook/verifier/lib/identity"
	"github.com/antimoltbook/verifier/lib/localization"
	"github.com/antimoltbook/verifier/lib/review"
	"github.com/antimoltbook/verifier/lib/token"
)

var ErrTokenRequired = errors.New("lib: capability token required")

const (
	// maxBodySize caps API request bodies. Drawing responses are the largest.
	maxBodySize = 1 << 20

	defaultQueueLimit = 50
	maxQueueLimit     = 200
)

// errorClasses maps errors to a status, a stable code and a message id. The
// first match wins.
var errorClasses = []struct {
	err     error
	status  int
	code    string
	message string
}{
	{identity.ErrUnauthenticated, http.StatusUnauthorized, "unauthenticated", "error_unauthenticated"},
	{challenge.ErrNotFound, http.StatusNotFound, "not_found", "error_not_found"},
	{challenge.ErrExpired, http.StatusGone, "expired", "error_expired"},
	{challenge.ErrDuplicateSubmission, http.StatusConflict, "duplicate_submission", "error_duplicate_submission"},
	{challenge.ErrRateLimited, http.StatusTooManyRequests, "rate_limited", "error_rate_limited"},
	{challenge.ErrForbidden, http.StatusForbidden, "forbidden", "error_forbidden"},
	{challenge.ErrUnknownKind, http.StatusBadRequest, "unknown_kind", "error_unknown_kind"},
	{challenge.ErrMissingField, http.StatusBadRequest, "bad_request", "error_bad_request"},
	{challenge.ErrInvalidFormat, http.StatusBadRequest, "bad_request", "error_bad_request"},
	{review.ErrNotFound, http.StatusNotFound, "not_found", "error_review_not_found"},
	{review.ErrForbidden, http.StatusForbidden, "forbidden", "error_review_self"},
	{review.ErrAlreadyDecided, http.StatusConflict, "already_decided", "error_review_decided"},
	{ErrTokenRequired, http.StatusUnauthorized, "token_required", "error_token_required"},
	{token.ErrTokenExpired, http.StatusUnauthorized, "token_expired", "error_token_invalid"},
	{token.ErrTokenAlreadyConsumed, http.StatusUnauthorized, "token_already_consumed", "error_token_invalid"},
	{token.ErrInvalidToken, http.StatusUnauthorized, "token_invalid", "error_token_invalid"},
	{token.ErrTokenSubjectMismatch, http.StatusForbidden, "token_subject_mismatch", "error_token_invalid"},
	{token.ErrTokenActionMismatch, http.StatusForbidden, "token_action_mismatch", "error_token_invalid"},
}

// classify returns the HTTP status, error code and message id for err.
func classify(err error) (int, string, string) {
	for _, ec := range errorClasses {
		if errors.Is(err, ec.err) {
			return ec.status, ec.code, ec.message
		}
	}

	return http.StatusInternalServerError, "internal", "error_internal"
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		internal.GetRequestLogger(r).Error("failed to encode response", "err", err)
	}
}

func (s *Server) respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	lg := internal.GetRequestLogger(r)
	localizer := localization.GetLocalizer(r)

	status, code, messageID := classify(err)
	if status == http.StatusInternalServerError {
		lg.Error("request failed", "err", err)
	} else {
		lg.Debug("request refused", "err", err, "status", status)
	}

	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", strconv.Itoa(int(verifier.ChallengeLifetime.Seconds())))
	}

	writeJSON(w, r, status, errorResponse{
		Error:   code,
		Message: localizer.Or(messageID, http.StatusText(status)),
	})
}

// requester returns the authenticated id of r's caller.
func requester(r *http.Request) (string, error) {
	id, ok := identity.FromContext(r.Context())
	if !ok {
		return "", identity.ErrUnauthenticated
	}
	return id, nil
}

// decodeBody reads a JSON request body into v. An empty body leaves v alone
// when allowEmpty is set.
func decodeBody(r *http.Request, v any, allowEmpty bool) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return challenge.NewError("decode", "can't read request", fmt.Errorf("%w: %w", challenge.ErrInvalidFormat, err))
	}

	if len(body) > maxBodySize {
		return challenge.NewError("decode", "request too large", fmt.Errorf("%w: body over %d bytes", challenge.ErrInvalidFormat, maxBodySize))
	}

	if len(strings.TrimSpace(string(body))) == 0 {
		if allowEmpty {
			return nil
		}
		return challenge.NewError("decode", "empty request", fmt.Errorf("%w: empty body", challenge.ErrMissingField))
	}

	if err := json.Unmarshal(body, v); err != nil {
		return challenge.NewError("decode", "request is not valid JSON", fmt.Errorf("%w: %w", challenge.ErrInvalidFormat, err))
	}

	return nil
}

type issueRequest struct {
	Kind   challenge.Kind `json:"kind,omitempty"`
	Action string         `json:"action,omitempty"`
}

func (s *Server) handleIssue(w http.ResponseWriter, r *http.Request) {
	id, err := requester(r)
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}

	var req issueRequest
	if err := decodeBody(r, &req, true); err != nil {
		s.respondWithError(w, r, err)
		return
	}

	c, err := s.Issue(r.Context(), r, id, req.Kind, req.Action)
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}

	pub := c.Public()
	pub.Instructions = localization.GetLocalizer(r).Instructions(string(c.Kind))

	writeJSON(w, r, http.StatusOK, pub)
}

type submitRequest struct {
	ChallengeID string          `json:"challenge_id"`
	Response    json.RawMessage `json:"response"`
}

// responsePayload accepts the response either as JSON or as a string holding
// JSON.
func responsePayload(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, challenge.NewError("submit", "response is missing", fmt.Errorf("%w: response", challenge.ErrMissingField))
	}

	if !strings.HasPrefix(trimmed, `"`) {
		return raw, nil
	}

	var inner string
	if err := json.Unmarshal(raw, &inner); err != nil {
		return nil, challenge.NewError("submit", "response is not valid JSON", fmt.Errorf("%w: %w", challenge.ErrInvalidFormat, err))
	}

	if !json.Valid([]byte(inner)) {
		return nil, challenge.NewError("submit", "response is not valid JSON", fmt.Errorf("%w: response string does not hold JSON", challenge.ErrInvalidFormat))
	}

	return json.RawMessage(inner), nil
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	id, err := requester(r)
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}

	var req submitRequest
	if err := decodeBody(r, &req, false); err != nil {
		s.respondWithError(w, r, err)
		return
	}

	if req.ChallengeID == "" {
		s.respondWithError(w, r, challenge.NewError("submit", "challenge_id is missing", fmt.Errorf("%w: challenge_id", challenge.ErrMissingField)))
		return
	}

	payload, err := responsePayload(req.Response)
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}

	result, err := s.Submit(r.Context(), r, id, req.ChallengeID, payload)
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, result)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, err := requester(r)
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}

	result, err := s.Status(r.Context(), id, r.PathValue("id"))
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, result)
}

func (s *Server) handleReviewQueue(w http.ResponseWriter, r *http.Request) {
	id, err := requester(r)
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}

	limit := defaultQueueLimit
	if val := r.URL.Query().Get("limit"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil || n < 1 {
			s.respondWithError(w, r, challenge.NewError("review-queue", "limit must be a positive number", fmt.Errorf("%w: limit=%q", challenge.ErrInvalidFormat, val)))
			return
		}
		limit = min(n, maxQueueLimit)
	}

	var after time.Time
	if val := r.URL.Query().Get("after"); val != "" {
		after, err = time.Parse(time.RFC3339Nano, val)
		if err != nil {
			s.respondWithError(w, r, challenge.NewError("review-queue", "after must be an RFC 3339 timestamp", fmt.Errorf("%w: after: %w", challenge.ErrInvalidFormat, err)))
			return
		}
	}

	items, err := s.ReviewQueue(r.Context(), id, limit, after)
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, items)
}

type decideRequest struct {
	ItemID   string `json:"item_id"`
	Approved *bool  `json:"approved"`
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	id, err := requester(r)
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}

	var req decideRequest
	if err := decodeBody(r, &req, false); err != nil {
		s.respondWithError(w, r, err)
		return
	}

	switch {
	case req.ItemID == "":
		err = fmt.Errorf("%w: item_id", challenge.ErrMissingField)
	case req.Approved == nil:
		err = fmt.Errorf("%w: approved", challenge.ErrMissingField)
	}
	if err != nil {
		s.respondWithError(w, r, challenge.NewError("review-decision", "item_id and approved are required", err))
		return
	}

	if err := s.Decide(r.Context(), req.ItemID, id, *req.Approved); err != nil {
		s.respondWithError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) gzip(next http.Handler) http.Handler {
	return internal.GzipMiddleware(1, next)
}

// statusRecorder remembers the status a guarded handler answered with.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	if sr.status == 0 {
		sr.status = status
	}
	sr.ResponseWriter.WriteHeader(status)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	return sr.ResponseWriter.Write(b)
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

const tokenParam = "captcha_token"

// tokenFrom reads the capability token from the request header or the
// captcha_token query parameter.
func tokenFrom(r *http.Request) string {
	if tok := strings.TrimSpace(r.Header.Get(verifier.TokenHeader)); tok != "" {
		return tok
	}
	return r.URL.Query().Get(tokenParam)
}

// stripToken removes the capability token from r before it goes upstream.
func stripToken(r *http.Request) {
	r.Header.Del(verifier.TokenHeader)

	q := r.URL.Query()
	if !q.Has(tokenParam) {
		return
	}
	q.Del(tokenParam)
	r.URL.RawQuery = q.Encode()
	r.RequestURI = r.URL.RequestURI()
}

// Guard requires a capability token for action before next runs. The token
// is consumed around next; an answer of 400 or above counts as the action
// failing and the token is restored or burned per the policy file.
func (s *Server) Guard(action string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lg := internal.GetRequestLogger(r).With("action", action)

		subject, err := requester(r)
		if err != nil {
			s.respondWithError(w, r, err)
			return
		}

		tok := tokenFrom(r)
		if tok == "" {
			s.respondWithError(w, r, ErrTokenRequired)
			return
		}

		// the upstream has no use for the token
		stripToken(r)

		rec := &statusRecorder{ResponseWriter: w}
		err = s.Authorize(r.Context(), tok, subject, action, func(ctx context.Context) error {
			next.ServeHTTP(rec, r.WithContext(ctx))
			if rec.status >= http.StatusBadRequest {
				return fmt.Errorf("handler answered %d", rec.status)
			}
			return nil
		})

		switch {
		case err == nil:
			lg.Debug("guarded action allowed", "subject", subject)
		case errors.Is(err, token.ErrActionFailed):
			// next already answered the client
			lg.Info("guarded action failed", "subject", subject, "err", err, "policy", s.tokens.OnActionFailure())
		default:
			s.respondWithError(w, r, err)
		}
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) stripBasePrefixFromRequest(r *http.Request) *http.Request {
	if s.opts.BasePrefix == "" {
		return r
	}

	basePrefix := strings.TrimSuffix(s.opts.BasePrefix, "/")
	path := r.URL.Path

	if !strings.HasPrefix(path, basePrefix) {
		return r
	}

	trimmedPath := strings.TrimPrefix(path, basePrefix)
	if trimmedPath == "" {
		trimmedPath = "/"
	}

	// Clone the request and URL
	reqCopy := r.Clone(r.Context())
	urlCopy := *r.URL
	urlCopy.Path = trimmedPath
	reqCopy.URL = &urlCopy

	return reqCopy
}

// ServeHTTPNext hands r to the upstream application.
func (s *Server) ServeHTTPNext(w http.ResponseWriter, r *http.Request) {
	if s.next == nil {
		http.NotFound(w, r)
		return
	}

	requestsProxied.WithLabelValues(r.Host).Inc()
	r = s.stripBasePrefixFromRequest(r)
	s.next.ServeHTTP(w, r)
}
