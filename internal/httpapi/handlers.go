package httpapi

import (
	"errors"
	"io"
	"net/http"
	"time"

	"callmeter/internal/auth"
	"callmeter/internal/directory"
	"callmeter/internal/gateway"
	"callmeter/internal/reporting"
	"callmeter/internal/session"
	"callmeter/internal/wallet"
	"callmeter/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.

type Handlers struct {
	Auth    *auth.Manager
	Engine  *session.Engine
	Wallets wallet.Store
	Records directory.Repository
	Reports *reporting.Service
	Gateway gateway.Gateway
}

// writeEngineError maps domain sentinel errors onto HTTP statuses.
// Unknown errors are 500s with no detail leaked.
func writeEngineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, wallet.ErrInsufficientFunds):
		c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{"error": "insufficient funds"})
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, directory.ErrRecordNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, session.ErrInvalidTransition):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "invalid transition"})
	case errors.Is(err, session.ErrCallCapExceeded):
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many concurrent calls"})
	case errors.Is(err, session.ErrInvalidArgument), errors.Is(err, wallet.ErrInvalidArgument), errors.Is(err, reporting.ErrInvalidRequest):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func callerID(c *gin.Context) (string, bool) {
	uid, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return "", false
	}
	return uid, true
}

// loadParticipantRecord fetches the durable record for :session_id and
// enforces that the caller is host or peer. Non-participants get 403, so a
// session's existence is still discoverable; IDs are unguessable UUIDs.
func (h Handlers) loadParticipantRecord(c *gin.Context, userID string) (directory.CallRecord, bool) {
	sessionID := c.Param("session_id")
	if sessionID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "session_id required"})
		return directory.CallRecord{}, false
	}
	rec, err := h.Records.Get(c.Request.Context(), sessionID)
	if err != nil {
		writeEngineError(c, err)
		return directory.CallRecord{}, false
	}
	if !rec.IsParticipant(userID) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return directory.CallRecord{}, false
	}
	return rec, true
}

// --- Auth ---

type loginRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// Login issues a JWT token pair.
//
// NOTE: This is a skeleton-only endpoint. Real systems must validate credentials.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id, role required"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// --- Calls ---

type startCallRequest struct {
	PeerID string `json:"peer_id"`
	Kind   string `json:"kind"`
}

// StartCall creates a ringing session hosted (and paid for) by the caller.
func (h Handlers) StartCall(c *gin.Context) {
	hostID, ok := callerID(c)
	if !ok {
		return
	}
	var req startCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	res, err := h.Engine.Start(c.Request.Context(), hostID, req.PeerID, directory.CallKind(req.Kind))
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// AcceptCall transitions ringing to active. Only the invited peer may accept.
func (h Handlers) AcceptCall(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	rec, ok := h.loadParticipantRecord(c, userID)
	if !ok {
		return
	}
	if rec.PeerID != userID {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "only the invited peer may accept"})
		return
	}
	res, err := h.Engine.Accept(c.Request.Context(), rec.SessionID)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// EndCall hangs up. Either participant may end; repeated ends return the same
// final numbers.
func (h Handlers) EndCall(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	rec, ok := h.loadParticipantRecord(c, userID)
	if !ok {
		return
	}
	res, err := h.Engine.End(c.Request.Context(), rec.SessionID, userID)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetCall returns the durable record for one session.
func (h Handlers) GetCall(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	rec, ok := h.loadParticipantRecord(c, userID)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, rec)
}

type signalRequest struct {
	Payload map[string]any `json:"payload"`
}

// Signal relays an opaque signaling payload (SDP offers, ICE candidates) to
// the session channel. The engine never interprets it.
func (h Handlers) Signal(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	rec, ok := h.loadParticipantRecord(c, userID)
	if !ok {
		return
	}
	if rec.Status == directory.CallStatusEnded {
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "session already ended"})
		return
	}

	var req signalRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Payload) == 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "payload required"})
		return
	}
	ev, err := gateway.NewSignal(rec.SessionID, userID, req.Payload)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := h.Gateway.Publish(c.Request.Context(), []string{gateway.SessionChannel(rec.SessionID)}, ev); err != nil {
		logger.FromGin(c).Warn("signal relay failed", "session_id", rec.SessionID, "err", err)
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "relay failed"})
		return
	}
	c.Status(http.StatusAccepted)
}

// Events streams the session channel as server-sent events until the client
// disconnects. Billing updates, signaling, and the ended notice all arrive
// on this stream.
func (h Handlers) Events(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	rec, ok := h.loadParticipantRecord(c, userID)
	if !ok {
		return
	}

	events, cancel, err := h.Gateway.Subscribe(c.Request.Context(), gateway.SessionChannel(rec.SessionID))
	if err != nil {
		logger.FromGin(c).Warn("event stream subscribe failed", "session_id", rec.SessionID, "err", err)
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "subscribe failed"})
		return
	}
	defer cancel()

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, open := <-events:
			if !open {
				return false
			}
			c.SSEvent(string(ev.Type), ev)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// --- Wallet ---

// GetWallet returns the caller's own balance.
func (h Handlers) GetWallet(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	bal, err := h.Wallets.Balance(c.Request.Context(), userID)
	if errors.Is(err, wallet.ErrWalletNotFound) {
		// A user with no wallet row simply has nothing to spend yet.
		c.JSON(http.StatusOK, wallet.Balance{OwnerID: userID, BalanceMicros: 0})
		return
	}
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, bal)
}

type creditWalletRequest struct {
	OwnerID      string `json:"owner_id"`
	AmountMicros int64  `json:"amount_micros"`
	Currency     string `json:"currency"`
}

// CreditWallet tops up a wallet. RBAC: finance or super_admin (enforced in
// the route chain).
func (h Handlers) CreditWallet(c *gin.Context) {
	var req creditWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.Currency == "" {
		req.Currency = "USD"
	}
	bal, err := h.Wallets.Credit(c.Request.Context(), req.OwnerID, req.AmountMicros, req.Currency, wallet.ReasonTopUp)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, bal)
}

// --- Reporting ---

func parseRange(c *gin.Context) (reporting.TimeRange, bool) {
	from, err1 := time.Parse(time.RFC3339, c.Query("from"))
	to, err2 := time.Parse(time.RFC3339, c.Query("to"))
	if err1 != nil || err2 != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from and to must be RFC3339"})
		return reporting.TimeRange{}, false
	}
	return reporting.TimeRange{From: from, To: to}, true
}

// UsageSummary aggregates the caller's calls over a time range.
func (h Handlers) UsageSummary(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	rng, ok := parseRange(c)
	if !ok {
		return
	}
	out, err := h.Reports.CallsSummary(c.Request.Context(), reporting.CallsSummaryRequest{UserID: userID, Range: rng})
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// SpendSummary aggregates the caller's wallet ledger over a time range.
func (h Handlers) SpendSummary(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	rng, ok := parseRange(c)
	if !ok {
		return
	}
	out, err := h.Reports.SpendSummary(c.Request.Context(), reporting.SpendSummaryRequest{
		UserID:   userID,
		Range:    rng,
		Currency: c.Query("currency"),
	})
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}
