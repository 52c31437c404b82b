package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/paysentry/internal/alerts"
	"github.com/mbd888/paysentry/internal/circuitbreaker"
	"github.com/mbd888/paysentry/internal/dispute"
	"github.com/mbd888/paysentry/internal/facilitator"
	"github.com/mbd888/paysentry/internal/idgen"
	"github.com/mbd888/paysentry/internal/ledger"
	"github.com/mbd888/paysentry/internal/policy"
	"github.com/mbd888/paysentry/internal/recovery"
	"github.com/mbd888/paysentry/internal/transaction"
)

// -----------------------------------------------------------------------------
// Policy evaluation + budgets
// -----------------------------------------------------------------------------

type evaluateRequest struct {
	AgentID   string            `json:"agentId"`
	Recipient string            `json:"recipient"`
	Amount    string            `json:"amount"`
	Currency  string            `json:"currency"`
	Purpose   string            `json:"purpose"`
	Protocol  string            `json:"protocol"`
	Service   string            `json:"service"`
	Metadata  map[string]string `json:"metadata"`
}

type decisionResponse struct {
	Allowed  bool              `json:"allowed"`
	Action   string            `json:"action"`
	Reason   string            `json:"reason"`
	PolicyID string            `json:"policyId,omitempty"`
	RuleID   string            `json:"ruleId,omitempty"`
	Details  map[string]string `json:"details,omitempty"`
}

func (s *Server) handleEvaluate(c *gin.Context) {
	var req evaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if req.AgentID == "" || req.Recipient == "" || req.Amount == "" {
		badRequest(c, "agentId, recipient, and amount are required")
		return
	}
	if req.Currency == "" {
		req.Currency = s.cfg.DefaultCurrency
	}

	tx, err := transaction.New(idgen.WithPrefix(idgen.PrefixTransaction), transaction.Input{
		AgentID:   req.AgentID,
		Recipient: req.Recipient,
		Amount:    req.Amount,
		Currency:  req.Currency,
		Purpose:   req.Purpose,
		Protocol:  transaction.Protocol(req.Protocol),
		Service:   req.Service,
		Metadata:  req.Metadata,
	}, time.Now())
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	decision := s.engines.Policy.Evaluate(c.Request.Context(), tx)
	c.JSON(http.StatusOK, decisionResponse{
		Allowed:  decision.Allowed,
		Action:   string(decision.Action),
		Reason:   decision.Reason,
		PolicyID: decision.PolicyID,
		RuleID:   decision.RuleID,
		Details:  decision.Details,
	})
}

type budgetResponse struct {
	Window   string `json:"window"`
	Spent    string `json:"spent"`
	Limit    string `json:"limit"`
	Currency string `json:"currency"`
}

func (s *Server) handleGetSpend(c *gin.Context) {
	agentID := c.Param("agentId")
	windowFilter := c.Query("window")

	var budgets []budgetResponse
	for _, p := range s.engines.Policy.GetPolicies() {
		for _, b := range p.Budgets {
			if windowFilter != "" && string(b.Window) != windowFilter {
				continue
			}
			if !budgetScopesAgent(b, agentID) {
				continue
			}
			snap := s.engines.Policy.GetCurrentSpend(p.ID, b, time.Now())
			budgets = append(budgets, budgetResponse{
				Window:   string(b.Window),
				Spent:    snap.Amount,
				Limit:    b.MaxAmount,
				Currency: b.Currency,
			})
		}
	}

	c.JSON(http.StatusOK, gin.H{"budgets": budgets})
}

func budgetScopesAgent(b policy.BudgetLimit, agentID string) bool {
	if len(b.AgentIDs) == 0 {
		return true
	}
	for _, a := range b.AgentIDs {
		if a == agentID {
			return true
		}
	}
	return false
}

func (s *Server) handleListPolicies(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"policies": s.engines.Policy.GetPolicies()})
}

func (s *Server) handleLoadPolicy(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	p, err := policy.ParsePolicyFile(body)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	s.engines.Policy.LoadPolicy(p)
	c.JSON(http.StatusOK, gin.H{"id": p.ID, "loaded": true})
}

func (s *Server) handleRemovePolicy(c *gin.Context) {
	s.engines.Policy.RemovePolicy(c.Param("id"))
	c.Status(http.StatusNoContent)
}

// -----------------------------------------------------------------------------
// Alerts
// -----------------------------------------------------------------------------

type alertResponse struct {
	Type          string            `json:"type"`
	Severity      string            `json:"severity"`
	Message       string            `json:"message"`
	Timestamp     string            `json:"timestamp"`
	AgentID       string            `json:"agentId,omitempty"`
	TransactionID string            `json:"transactionId,omitempty"`
	Data          map[string]string `json:"data,omitempty"`
}

func (s *Server) handleListAlerts(c *gin.Context) {
	agentID := c.Query("agentId")
	severity := alerts.Severity(c.Query("severity"))
	limit := queryInt(c, "limit", 20)

	found := s.alertLog.list(agentID, severity, limit)
	out := make([]alertResponse, 0, len(found))
	for _, a := range found {
		out = append(out, alertResponse{
			Type: string(a.Type), Severity: string(a.Severity), Message: a.Message,
			Timestamp: a.Timestamp, AgentID: a.AgentID, TransactionID: a.TransactionID, Data: a.Data,
		})
	}
	c.JSON(http.StatusOK, gin.H{"alerts": out})
}

// -----------------------------------------------------------------------------
// Transactions + provenance
// -----------------------------------------------------------------------------

func (s *Server) handleGetTransaction(c *gin.Context) {
	tx, ok := s.engines.Ledger.Get(c.Param("id"))
	if !ok {
		notFound(c, "transaction not found")
		return
	}
	c.JSON(http.StatusOK, tx)
}

func (s *Server) handleQueryTransactions(c *gin.Context) {
	f := ledger.Filter{
		AgentID:   c.Query("agentId"),
		Recipient: c.Query("recipient"),
		Service:   c.Query("service"),
		Protocol:  transaction.Protocol(c.Query("protocol")),
		Status:    transaction.Status(c.Query("status")),
		Currency:  c.Query("currency"),
		MinAmount: c.Query("minAmount"),
		MaxAmount: c.Query("maxAmount"),
		After:     c.Query("after"),
		Before:    c.Query("before"),
		Limit:     queryInt(c, "limit", 50),
	}
	c.JSON(http.StatusOK, gin.H{"transactions": s.engines.Ledger.Query(f)})
}

func (s *Server) handleGetProvenance(c *gin.Context) {
	chain := s.engines.Provenance.GetChain(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"records": chain})
}

func (s *Server) handleAgentAnalytics(c *gin.Context) {
	agentID := c.Param("agentId")
	summary := s.engines.Analytics.AgentSummary(agentID)
	top := s.engines.Analytics.TopRecipients(agentID, queryInt(c, "limit", 10))
	c.JSON(http.StatusOK, gin.H{"summary": summary, "topRecipients": top})
}

// -----------------------------------------------------------------------------
// Disputes
// -----------------------------------------------------------------------------

type fileDisputeRequest struct {
	TransactionID   string `json:"transactionId" binding:"required"`
	AgentID         string `json:"agentId"`
	Reason          string `json:"reason" binding:"required"`
	RequestedAmount string `json:"requestedAmount"`
}

func (s *Server) handleFileDispute(c *gin.Context) {
	var req fileDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if _, ok := s.engines.Ledger.Get(req.TransactionID); !ok {
		badRequest(c, "transaction not found")
		return
	}

	d, err := s.engines.Disputes.File(c.Request.Context(), dispute.FileInput{
		TransactionID:   req.TransactionID,
		AgentID:         req.AgentID,
		Reason:          req.Reason,
		RequestedAmount: req.RequestedAmount,
	})
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	c.JSON(http.StatusCreated, d)
}

func (s *Server) handleGetDispute(c *gin.Context) {
	d, err := s.engines.Disputes.Get(c.Param("id"))
	if err != nil {
		notFound(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, d)
}

func (s *Server) handleQueryDisputes(c *gin.Context) {
	f := dispute.Filter{
		Status:        dispute.Status(c.Query("status")),
		AgentID:       c.Query("agentId"),
		TransactionID: c.Query("transactionId"),
		Liability:     dispute.Liability(c.Query("liability")),
		Limit:         queryInt(c, "limit", 50),
	}
	c.JSON(http.StatusOK, gin.H{"disputes": s.engines.Disputes.Query(f)})
}

type addEvidenceRequest struct {
	Type    string `json:"type" binding:"required"`
	Content string `json:"content" binding:"required"`
}

func (s *Server) handleAddEvidence(c *gin.Context) {
	var req addEvidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	d, err := s.engines.Disputes.AddEvidence(c.Param("id"), dispute.Evidence{Type: req.Type, Content: req.Content})
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, d)
}

type resolveDisputeRequest struct {
	Status         string `json:"status" binding:"required"`
	Liability      string `json:"liability"`
	ResolvedAmount string `json:"resolvedAmount"`
}

func (s *Server) handleResolveDispute(c *gin.Context) {
	var req resolveDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	d, err := s.engines.Disputes.Resolve(c.Param("id"), dispute.ResolveInput{
		Status:         dispute.Status(req.Status),
		Liability:      dispute.Liability(req.Liability),
		ResolvedAmount: req.ResolvedAmount,
	})
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, d)
}

// -----------------------------------------------------------------------------
// Recovery
// -----------------------------------------------------------------------------

type initiateRecoveryRequest struct {
	Type string `json:"type"`
}

func (s *Server) handleInitiateRecovery(c *gin.Context) {
	var req initiateRecoveryRequest
	_ = c.ShouldBindJSON(&req)

	action, err := s.engines.Recovery.Initiate(c.Request.Context(), c.Param("disputeId"), recovery.InitiateInput{
		Type: recovery.Type(req.Type),
	})
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	c.JSON(http.StatusCreated, action)
}

func (s *Server) handleProcessRecoveryQueue(c *gin.Context) {
	s.engines.Recovery.ProcessQueue(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"actions": s.engines.Recovery.GetAll()})
}

func (s *Server) handleListRecovery(c *gin.Context) {
	all := s.engines.Recovery.GetAll()
	if status := c.Query("status"); status != "" {
		filtered := make([]*recovery.Action, 0, len(all))
		for _, a := range all {
			if string(a.Status) == status {
				filtered = append(filtered, a)
			}
		}
		all = filtered
	}
	c.JSON(http.StatusOK, gin.H{"recovery": all})
}

func (s *Server) handleGetRecovery(c *gin.Context) {
	a, err := s.engines.Recovery.Get(c.Param("id"))
	if err != nil {
		notFound(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) handleCancelRecovery(c *gin.Context) {
	a, err := s.engines.Recovery.Cancel(c.Param("id"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, a)
}

// -----------------------------------------------------------------------------
// Circuit breaker
// -----------------------------------------------------------------------------

type breakerResponse struct {
	State       string `json:"state"`
	Failures    int    `json:"failures"`
	RemainingMs int64  `json:"remainingMs"`
}

func (s *Server) handleGetBreakerSnapshot(c *gin.Context) {
	snap := s.engines.Breaker.GetSnapshot(c.Param("facilitatorKey"))
	c.JSON(http.StatusOK, breakerResponse{State: snap.State.String(), Failures: snap.Failures, RemainingMs: snap.RemainingMs})
}

func (s *Server) handleListBreakerSnapshots(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"breakers": s.engines.Breaker.GetAllSnapshots()})
}

func (s *Server) handleResetBreaker(c *gin.Context) {
	s.engines.Breaker.Reset(c.Param("facilitatorKey"))
	c.Status(http.StatusNoContent)
}

// -----------------------------------------------------------------------------
// x402 passthrough
// -----------------------------------------------------------------------------

type x402Request struct {
	X402Version  int              `json:"x402Version"`
	Scheme       string           `json:"scheme"`
	Network      string           `json:"network"`
	Payload      string           `json:"payload"`
	Resource     string           `json:"resource"`
	Payer        string           `json:"payer"`
	Requirements x402Requirements `json:"requirements"`
}

type x402Requirements struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Resource          string `json:"resource"`
	PayTo             string `json:"payTo"`
	Description       string `json:"description"`
}

func (req x402Request) toDomain() (facilitator.X402Payload, facilitator.X402Requirements) {
	payload := facilitator.X402Payload{
		X402Version: req.X402Version,
		Scheme:      req.Scheme,
		Network:     req.Network,
		Payload:     req.Payload,
		Resource:    req.Resource,
		Payer:       req.Payer,
	}
	requirements := facilitator.X402Requirements{
		Scheme:            req.Requirements.Scheme,
		Network:           req.Requirements.Network,
		MaxAmountRequired: req.Requirements.MaxAmountRequired,
		Resource:          req.Requirements.Resource,
		PayTo:             req.Requirements.PayTo,
		Description:       req.Requirements.Description,
	}
	return payload, requirements
}

func (s *Server) handleX402Verify(c *gin.Context) {
	var req x402Request
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	payload, requirements := req.toDomain()
	result, err := s.engines.Adapter.Verify(c.Request.Context(), payload, requirements)
	if err != nil {
		breakerOrInternalError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleX402Settle(c *gin.Context) {
	var req x402Request
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	payload, requirements := req.toDomain()
	result, err := s.engines.Adapter.Settle(c.Request.Context(), payload, requirements)
	if err != nil {
		breakerOrInternalError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleX402Supported(c *gin.Context) {
	result, err := s.engines.Adapter.Supported(c.Request.Context())
	if err != nil {
		breakerOrInternalError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// -----------------------------------------------------------------------------
// Response helpers
// -----------------------------------------------------------------------------

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": message})
}

func notFound(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": message})
}

// breakerOrInternalError reports a breaker-open error as 503 (retryable)
// and anything else as an opaque 500.
func breakerOrInternalError(c *gin.Context, err error) {
	var openErr *circuitbreaker.OpenError
	if errors.As(err, &openErr) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "breaker_open", "message": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "an unexpected error occurred"})
}

func queryInt(c *gin.Context, key string, fallback int) int {
	v := c.Query(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
