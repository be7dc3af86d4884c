package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"mercator-hq/tokengate/pkg/admission"
	"mercator-hq/tokengate/pkg/config"
	"mercator-hq/tokengate/pkg/limits/quota"
	"mercator-hq/tokengate/pkg/limits/ratelimit"
	"mercator-hq/tokengate/pkg/limits/tier"
	"mercator-hq/tokengate/pkg/saga"
)

const (
	// IdempotencyKeyHeader deduplicates purchase requests.
	IdempotencyKeyHeader = "Idempotency-Key"

	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitUsed      = "X-RateLimit-Used"
	HeaderRateLimitReset     = "X-RateLimit-Reset"

	// maxBodyBytes bounds request bodies on the token API.
	maxBodyBytes = 1 << 20
)

// Quota lookup outcomes.
const (
	lookupFound    = "found"
	lookupNotFound = "not_found"
	lookupInvalid  = "invalid"
)

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// TokenRequest is the body of consume and purchase requests.
type TokenRequest struct {
	UserID   string `json:"userId"`
	OrgID    string `json:"orgId,omitempty"`
	Provider string `json:"provider"`
	Tokens   int64  `json:"tokens"`
}

// QuotaResponse is returned by the quota lookup. Exactly one of UserID and
// OrgID is set.
type QuotaResponse struct {
	UserID          string    `json:"userId,omitempty"`
	OrgID           string    `json:"orgId,omitempty"`
	Provider        string    `json:"provider"`
	TotalTokens     int64     `json:"totalTokens"`
	RemainingTokens int64     `json:"remainingTokens"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// StatusResponse is returned by the status endpoint.
type StatusResponse struct {
	Service   string    `json:"service"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) handleConsume(w http.ResponseWriter, r *http.Request) {
	var body TokenRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	decision, err := s.deps.Consumer.Consume(r.Context(), admission.Request{
		SubjectID: body.UserID,
		OrgID:     body.OrgID,
		Provider:  body.Provider,
		Tokens:    body.Tokens,
		Tier:      s.resolveTier(r),
	})
	switch {
	case errors.Is(err, admission.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.ErrorContext(r.Context(), "consume failed", "provider", body.Provider, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	switch decision.Reason {
	case admission.ReasonQuotaInsufficient:
		writeError(w, http.StatusPaymentRequired, "insufficient token quota")
	case admission.ReasonRateLimited:
		setRateLimitHeaders(w, decision.Bucket)
		writeJSON(w, http.StatusTooManyRequests, decision.Bucket)
	default:
		setRateLimitHeaders(w, decision.Bucket)
		writeJSON(w, http.StatusOK, decision.Bucket)
	}
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	if !config.Bool(s.deps.Features().SagaPurchases, config.DefaultSagaPurchases) {
		writeError(w, http.StatusServiceUnavailable, "token purchases are disabled")
		return
	}

	var body TokenRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.deps.Sagas.Start(r.Context(), saga.Request{
		OwnerID:  body.UserID,
		OrgID:    body.OrgID,
		Provider: body.Provider,
		Tokens:   body.Tokens,
	}, s.resolveTier(r), r.Header.Get(IdempotencyKeyHeader))
	switch {
	case errors.Is(err, saga.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, saga.ErrIdempotencyConflict):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.logger.ErrorContext(r.Context(), "purchase failed", "provider", body.Provider, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		writeJSON(w, http.StatusAccepted, result)
	}
}

func (s *Server) handleGetSaga(w http.ResponseWriter, r *http.Request) {
	found, err := s.deps.Sagas.Get(r.Context(), mux.Vars(r)["sagaId"])
	switch {
	case errors.Is(err, saga.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, saga.ErrNotFound):
		writeError(w, http.StatusNotFound, "saga not found")
	case err != nil:
		s.logger.ErrorContext(r.Context(), "saga lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		writeJSON(w, http.StatusOK, found)
	}
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	userID := strings.TrimSpace(query.Get("userId"))
	orgID := strings.TrimSpace(query.Get("orgId"))
	provider := strings.TrimSpace(query.Get("provider"))

	var owner quota.Owner
	switch {
	case userID != "" && orgID != "":
		s.deps.Metrics.RecordQuotaLookup(provider, lookupInvalid)
		writeError(w, http.StatusBadRequest, "specify only one of userId and orgId")
		return
	case userID != "":
		owner = quota.UserOwner(userID)
	case orgID != "":
		owner = quota.OrgOwner(orgID)
	default:
		s.deps.Metrics.RecordQuotaLookup(provider, lookupInvalid)
		writeError(w, http.StatusBadRequest, "userId or orgId is required")
		return
	}
	if provider == "" {
		s.deps.Metrics.RecordQuotaLookup(provider, lookupInvalid)
		writeError(w, http.StatusBadRequest, "provider is required")
		return
	}

	pool, err := s.deps.Quotas.GetQuota(r.Context(), owner, provider, s.resolveTier(r))
	switch {
	case errors.Is(err, quota.ErrNotFound):
		s.deps.Metrics.RecordQuotaLookup(provider, lookupNotFound)
		writeError(w, http.StatusNotFound, "quota not found")
		return
	case err != nil:
		s.logger.ErrorContext(r.Context(), "quota lookup failed",
			"owner", owner.String(),
			"provider", provider,
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.deps.Metrics.RecordQuotaLookup(provider, lookupFound)
	writeJSON(w, http.StatusOK, QuotaResponse{
		UserID:          userID,
		OrgID:           orgID,
		Provider:        pool.Provider,
		TotalTokens:     pool.TotalTokens,
		RemainingTokens: pool.RemainingTokens,
		UpdatedAt:       pool.UpdatedAt,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Service:   "tokengate",
		Status:    "UP",
		Timestamp: time.Now().UTC(),
	})
}

// resolveTier maps the trusted roles header to a tier.
func (s *Server) resolveTier(r *http.Request) tier.Tier {
	if s.deps.Tiers == nil {
		return tier.Identity
	}
	var roles []string
	for _, role := range strings.Split(r.Header.Get(s.config.RolesHeader), ",") {
		if role = strings.TrimSpace(role); role != "" {
			roles = append(roles, role)
		}
	}
	return s.deps.Tiers.Resolve(roles)
}

func setRateLimitHeaders(w http.ResponseWriter, result ratelimit.Result) {
	h := w.Header()
	h.Set(HeaderRateLimitLimit, strconv.FormatInt(result.Capacity, 10))
	h.Set(HeaderRateLimitRemaining, strconv.FormatInt(result.Remaining, 10))
	h.Set(HeaderRateLimitUsed, strconv.FormatInt(result.Used, 10))
	h.Set(HeaderRateLimitReset, strconv.FormatInt(result.WaitSeconds, 10))
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := decoder.Decode(v); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, ErrorResponse{Error: message, Timestamp: time.Now().UTC()})
}
