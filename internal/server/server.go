package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"cardrails/internal/cards"
	"cardrails/internal/config"
	"cardrails/internal/hmacauth"
	"cardrails/internal/intent"
	"cardrails/internal/ledger"
	"cardrails/internal/ratelimit"
	"cardrails/internal/reconcile"
)

type Server struct {
	cfg         *config.AppConfig
	store       intent.Store
	engine      *reconcile.Engine
	issuer      cards.Issuer
	limiter     ratelimit.Counter
	hmac        *hmacauth.Verifier
	httpServer  *http.Server
	metrics     *metricsRegistry
	dbHealthFn  func(context.Context) error
	rpcHealthFn func(context.Context) error
	now         func() time.Time
}

type Deps struct {
	Store   intent.Store
	Engine  *reconcile.Engine
	Ledger  ledger.Client
	Issuer  cards.Issuer
	Limiter ratelimit.Counter
}

func NewServer(cfg *config.AppConfig, deps Deps) *Server {
	s := &Server{
		cfg:     cfg,
		store:   deps.Store,
		engine:  deps.Engine,
		issuer:  deps.Issuer,
		limiter: deps.Limiter,
		hmac: &hmacauth.Verifier{
			Secret:  cfg.Service.HMACSecret,
			MaxSkew: cfg.Service.HMACClockSkew,
		},
		metrics: newMetricsRegistry(),
		now:     time.Now,
	}

	if checker, ok := deps.Store.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}
	if checker, ok := deps.Ledger.(ledger.HealthChecker); ok {
		s.rpcHealthFn = checker.Ping
	}

	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/payments", s.hmac.Middleware(http.HandlerFunc(s.handleCreatePayment)))
	mux.Handle("GET /api/v1/payments/{id}", s.hmac.Middleware(http.HandlerFunc(s.handleGetPayment)))
	mux.Handle("POST /api/v1/payments/{id}", s.hmac.Middleware(http.HandlerFunc(s.handleManualVerify)))
	mux.Handle("POST /api/v1/payments/auto-verify", s.hmac.Middleware(http.HandlerFunc(s.handleAutoVerify)))
	mux.Handle("/api/v1/metrics", s.metrics.handler())
	mux.HandleFunc("/api/v1/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           requestIDMiddleware(mux),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	log.Printf("API listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type createPaymentRequest struct {
	UserID    string `json:"userId"`
	Purpose   string `json:"purpose"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount"` // decimal, in asset units
	AmountUSD string `json:"amountUsd"`
	CardID    string `json:"cardId,omitempty"` // required for FUND
}

type paymentResponse struct {
	ID           string `json:"id"`
	AmountUSD    string `json:"amountUsd"`
	AmountSol    string `json:"amountSol"`
	Asset        string `json:"asset"`
	Purpose      string `json:"purpose"`
	Status       string `json:"status"`
	TxSignature  string `json:"txSignature,omitempty"`
	IssuedCardID string `json:"issuedCardId,omitempty"`
	CreatedAt    string `json:"createdAt"`
	ExpiresAt    string `json:"expiresAt"`
	PayTo        string `json:"payTo,omitempty"`
}

type verifyResponse struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	Status       string `json:"status,omitempty"`
	TxSignature  string `json:"txSignature,omitempty"`
	Amount       string `json:"amount,omitempty"`
	IssuedCardID string `json:"issuedCardId,omitempty"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *Server) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	var payload createPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid json payload")
		return
	}

	purpose, err := intent.ParsePurpose(payload.Purpose)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	asset, err := intent.ParseAsset(payload.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	amount, err := intent.ToBaseUnits(payload.Amount, asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if purpose == intent.PurposeFund && payload.CardID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "cardId is required for FUND payments")
		return
	}

	now := s.now().UTC()
	in := &intent.Intent{
		ID:             uuid.NewString(),
		UserID:         payload.UserID,
		Purpose:        purpose,
		Asset:          asset,
		ExpectedAmount: amount,
		ExpectedUSD:    payload.AmountUSD,
		Status:         intent.StatusPending,
		CardID:         payload.CardID,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.cfg.Service.ExpiryWindow),
	}
	if err := s.store.Create(r.Context(), in); err != nil {
		writeError(w, http.StatusInternalServerError, "STORAGE_ERROR", "could not create payment")
		return
	}

	resp := s.paymentBody(in)
	resp.PayTo = s.payToAddress(asset)
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	in, err := s.engine.Refresh(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, intent.ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "payment not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "STORAGE_ERROR", "could not load payment")
		return
	}
	writeJSON(w, http.StatusOK, s.paymentBody(in))
}

type manualVerifyRequest struct {
	TxSignature string `json:"txSignature"`
}

func (s *Server) handleManualVerify(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var payload manualVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid json payload")
		return
	}
	if strings.TrimSpace(payload.TxSignature) == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "txSignature is required")
		return
	}

	out, err := s.engine.ManualVerify(r.Context(), id, strings.TrimSpace(payload.TxSignature))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORAGE_ERROR", "verification failed")
		return
	}
	if !out.Success {
		s.metrics.incVerification("manual", string(out.Code))
		writeError(w, manualStatusCode(out.Code), string(out.Code), out.Message)
		return
	}
	s.metrics.incVerification("manual", "verified")
	s.metrics.incClaim("won")

	resp := s.verifyBody(id, out)
	writeJSON(w, http.StatusOK, resp)
}

type autoVerifyRequest struct {
	PaymentID string `json:"paymentId"`
}

// handleAutoVerify always answers 200: "not found yet" is an expected,
// frequent outcome for a polling client, signaled in the body.
func (s *Server) handleAutoVerify(w http.ResponseWriter, r *http.Request) {
	var payload autoVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.PaymentID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "paymentId is required")
		return
	}

	if s.rateLimited(r.Context(), payload.PaymentID) {
		s.metrics.incRateLimited()
		writeJSON(w, http.StatusOK, verifyResponse{
			Success: false,
			Message: "too many verification attempts, slow down",
		})
		return
	}

	out, err := s.engine.AutoVerify(r.Context(), payload.PaymentID)
	if err != nil {
		log.Printf("auto-verify %s: %v", payload.PaymentID, err)
		writeJSON(w, http.StatusOK, verifyResponse{
			Success: false,
			Message: "verification temporarily unavailable",
		})
		return
	}

	result := "no_match"
	if out.Success {
		result = "verified"
	} else if out.Code != reconcile.CodeNone {
		result = string(out.Code)
	}
	s.metrics.incVerification("auto", result)

	if !out.Success {
		writeJSON(w, http.StatusOK, verifyResponse{
			Success: false,
			Message: out.Message,
			Status:  string(out.Status),
		})
		return
	}
	s.metrics.incClaim("won")

	writeJSON(w, http.StatusOK, s.verifyBody(payload.PaymentID, out))
}

// verifyBody runs fulfillment for a freshly verified intent and renders the
// response. Fulfillment failure is journaled, not surfaced as an error: the
// payment is financially proven and stays VERIFIED for replay.
func (s *Server) verifyBody(id string, out reconcile.Outcome) verifyResponse {
	resp := verifyResponse{
		Success:     true,
		Message:     out.Message,
		Status:      string(out.Status),
		TxSignature: out.Signature,
	}

	in, err := s.store.Get(context.Background(), id)
	if err != nil {
		return resp
	}
	if out.Amount > 0 {
		resp.Amount = intent.FromBaseUnits(out.Amount, in.Asset)
	}

	if in.Status == intent.StatusVerified {
		cardID, err := s.fulfillWithRetry(context.Background(), in)
		if err != nil {
			s.metrics.incFulfillment("failed")
			s.writeDLQ(in, err)
			resp.Message = "payment verified; card fulfillment pending"
			return resp
		}
		s.metrics.incFulfillment("completed")
		if err := s.store.Complete(context.Background(), in.ID, cardID); err != nil {
			log.Printf("complete %s: %v", in.ID, err)
			return resp
		}
		resp.Status = string(intent.StatusCompleted)
		resp.IssuedCardID = cardID
	} else if in.Status == intent.StatusCompleted {
		resp.Status = string(intent.StatusCompleted)
		resp.IssuedCardID = in.CardID
	}
	return resp
}

// fulfillWithRetry drives the card provider with capped exponential backoff.
func (s *Server) fulfillWithRetry(ctx context.Context, in *intent.Intent) (string, error) {
	attempts := s.cfg.Retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := s.cfg.Retry.InitialBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		cardID, err := s.fulfill(ctx, in)
		if err == nil {
			return cardID, nil
		}
		lastErr = err
		if !isRetryable(err) || i == attempts {
			return "", err
		}

		sleep := backoff
		if s.cfg.Retry.MaxBackoff > 0 && sleep > s.cfg.Retry.MaxBackoff {
			sleep = s.cfg.Retry.MaxBackoff
		}
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		if s.cfg.Retry.BackoffMultiplier > 1 {
			backoff = backoff * time.Duration(s.cfg.Retry.BackoffMultiplier)
		}
	}
	return "", lastErr
}

func (s *Server) fulfill(ctx context.Context, in *intent.Intent) (string, error) {
	switch in.Purpose {
	case intent.PurposeIssue:
		resp, err := s.issuer.IssueCard(ctx, cards.IssueRequest{
			IntentID:  in.ID,
			UserID:    in.UserID,
			AmountUSD: in.ExpectedUSD,
		})
		if err != nil {
			return "", fmt.Errorf("issue card: %w", err)
		}
		return resp.CardID, nil
	case intent.PurposeFund:
		if err := s.issuer.FundCard(ctx, in.CardID, in.ExpectedUSD); err != nil {
			return "", fmt.Errorf("fund card %s: %w", in.CardID, err)
		}
		return in.CardID, nil
	}
	return "", fmt.Errorf("unknown purpose %q", in.Purpose)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "invalid") || strings.Contains(msg, "missing") {
		return false
	}
	return true
}

// rateLimited is best-effort: a failing limiter backend never blocks a
// request.
func (s *Server) rateLimited(ctx context.Context, key string) bool {
	if s.limiter == nil || s.cfg.Service.RateLimitPerMin <= 0 {
		return false
	}
	n, err := s.limiter.Incr(ctx, "auto-verify:"+key, time.Minute)
	if err != nil {
		log.Printf("rate limiter error: %v", err)
		return false
	}
	return n > int64(s.cfg.Service.RateLimitPerMin)
}

func (s *Server) paymentBody(in *intent.Intent) paymentResponse {
	resp := paymentResponse{
		ID:          in.ID,
		AmountUSD:   in.ExpectedUSD,
		AmountSol:   intent.FromBaseUnits(in.ExpectedAmount, in.Asset),
		Asset:       string(in.Asset),
		Purpose:     string(in.Purpose),
		Status:      string(in.Status),
		TxSignature: in.ClaimedSignature,
		CreatedAt:   in.CreatedAt.UTC().Format(time.RFC3339),
		ExpiresAt:   in.ExpiresAt.UTC().Format(time.RFC3339),
	}
	if in.Status == intent.StatusCompleted {
		resp.IssuedCardID = in.CardID
	}
	return resp
}

func (s *Server) payToAddress(asset intent.Asset) string {
	if asset.Stable() {
		switch asset {
		case intent.AssetUSDC:
			return s.cfg.Chain.USDCTokenAccount
		case intent.AssetUSDT:
			return s.cfg.Chain.USDTTokenAccount
		}
	}
	return s.cfg.Chain.ReceivingAddress
}

func manualStatusCode(code reconcile.Code) int {
	switch code {
	case reconcile.CodeNotFound:
		return http.StatusNotFound
	case reconcile.CodeUpstreamUnavailable:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

func (s *Server) writeDLQ(in *intent.Intent, execErr error) {
	if s.cfg.Service.DLQPath == "" {
		return
	}

	entry := struct {
		Timestamp time.Time `json:"timestamp"`
		IntentID  string    `json:"intentId"`
		Purpose   string    `json:"purpose"`
		Signature string    `json:"txSignature"`
		Error     string    `json:"error"`
	}{
		Timestamp: time.Now().UTC(),
		IntentID:  in.ID,
		Purpose:   string(in.Purpose),
		Signature: in.ClaimedSignature,
		Error:     execErr.Error(),
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		log.Printf("dlq marshal error: %v", err)
		return
	}

	if err := os.MkdirAll(s.cfg.Service.DLQPath, 0o755); err != nil {
		log.Printf("dlq mkdir error: %v", err)
		return
	}

	filename := fmt.Sprintf("%d-%s.json", time.Now().UnixNano(), in.ID)
	path := filepath.Join(s.cfg.Service.DLQPath, filename)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		log.Printf("dlq write error: %v", err)
	}

	s.updateDLQDepth()
}

func (s *Server) updateDLQDepth() int {
	depth := s.currentDLQDepth()
	if s.metrics != nil {
		s.metrics.setDLQDepth(depth)
	}
	return depth
}

func (s *Server) currentDLQDepth() int {
	if s.cfg.Service.DLQPath == "" {
		return 0
	}
	entries, err := os.ReadDir(s.cfg.Service.DLQPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("dlq read error: %v", err)
		}
		return 0
	}
	return len(entries)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{}

	if s.rpcHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo.Connected = false
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.Connected = true
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	} else {
		rpcInfo.Connected = true
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	queueDepth := s.updateDLQDepth()

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status     string      `json:"status"`
		RPC        interface{} `json:"rpc"`
		Database   interface{} `json:"database"`
		QueueDepth int         `json:"queue_depth"`
	}{
		Status:     status,
		RPC:        rpcInfo,
		Database:   dbInfo,
		QueueDepth: queueDepth,
	}

	w.Header().Set("Content-Type", "application/json")
	if !overallHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Request-Id") == "" {
			r.Header.Set("X-Request-Id", uuid.NewString())
		}
		next.ServeHTTP(w, r)
	})
}
