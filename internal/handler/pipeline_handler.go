package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"aoer-pipeline/internal/budget"
	"aoer-pipeline/internal/cache"
	"aoer-pipeline/internal/metrics"
	"aoer-pipeline/internal/models"
	"aoer-pipeline/internal/orchestrator"
	"aoer-pipeline/internal/repository"
)

// PipelineHandler handles HTTP requests for the recompute pipeline
type PipelineHandler struct {
	orchestrator *orchestrator.Orchestrator
	ledger       *budget.Ledger
	store        repository.Store
	cache        *cache.Cache
	metrics      *metrics.Metrics
}

// NewPipelineHandler creates a new pipeline handler
func NewPipelineHandler(orch *orchestrator.Orchestrator, ledger *budget.Ledger, store repository.Store, c *cache.Cache, m *metrics.Metrics) *PipelineHandler {
	return &PipelineHandler{
		orchestrator: orch,
		ledger:       ledger,
		store:        store,
		cache:        c,
		metrics:      m,
	}
}

// EnqueueRequest is the body for POST /recompute
type EnqueueRequest struct {
	TenantID string          `json:"tenant_id"`
	Priority models.Priority `json:"priority,omitempty"`
}

// Enqueue handles POST /recompute
func (h *PipelineHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.TenantID == "" {
		http.Error(w, "tenant_id is required", http.StatusBadRequest)
		return
	}

	job, err := h.orchestrator.Enqueue(r.Context(), req.TenantID, req.Priority)
	if err != nil {
		log.Printf("error enqueueing job: %v", err)

		if errors.Is(err, orchestrator.ErrInvalidPriority) {
			http.Error(w, "invalid priority", http.StatusBadRequest)
			return
		}
		if errors.Is(err, orchestrator.ErrEmptyTenant) {
			http.Error(w, "tenant_id is required", http.StatusBadRequest)
			return
		}
		http.Error(w, "failed to enqueue job: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(job); err != nil {
		log.Printf("error encoding response: %v", err)
	}
}

// QueueDepth handles GET /queue
func (h *PipelineHandler) QueueDepth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	depth, err := h.orchestrator.QueueDepth(r.Context())
	if err != nil {
		log.Printf("error reading queue depth: %v", err)
		http.Error(w, "failed to read queue depth", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(depth); err != nil {
		log.Printf("error encoding response: %v", err)
	}
}

// GetResult handles GET /results/{tenant}. Served from the value
// cache when possible, degrading to the tenant's market pool average,
// and falling back to storage on a full miss.
func (h *PipelineHandler) GetResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tenantID := strings.TrimPrefix(r.URL.Path, "/results/")
	if tenantID == "" || tenantID == r.URL.Path {
		http.Error(w, "tenant id is required", http.StatusBadRequest)
		return
	}

	opts := cache.Options{}
	if market := r.URL.Query().Get("market"); market != "" {
		opts.Strategy = cache.StrategyPool
		opts.PoolID = "market:" + market
	}

	value, err := h.cache.GetOrCompute(r.Context(), orchestrator.ResultCacheKey(tenantID), func(ctx context.Context) (map[string]float64, error) {
		result, err := h.store.GetResult(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		if result == nil {
			return nil, errResultNotFound
		}
		return map[string]float64{
			"aoer_score":      result.AOERScore,
			"visibility_risk": result.VisibilityRisk,
			"volatility":      result.Metrics.Volatility,
		}, nil
	}, opts)
	if err != nil {
		if errors.Is(err, errResultNotFound) {
			http.Error(w, "no result for tenant", http.StatusNotFound)
			return
		}
		log.Printf("error getting result for tenant_id=%s: %v", tenantID, err)
		http.Error(w, "failed to retrieve result", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(value); err != nil {
		log.Printf("error encoding response: %v", err)
	}
}

var errResultNotFound = errors.New("no result for tenant")

// BudgetStatus handles GET /budget
func (h *PipelineHandler) BudgetStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status, err := h.ledger.Status(r.Context())
	if err != nil {
		log.Printf("error reading budget status: %v", err)
		http.Error(w, "failed to read budget status", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		log.Printf("error encoding response: %v", err)
	}
}

// ResetBudgetRequest is the body for POST /budget/reset
type ResetBudgetRequest struct {
	Period budget.Period `json:"period"`
}

// ResetBudget handles POST /budget/reset, an administrative override
func (h *PipelineHandler) ResetBudget(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ResetBudgetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.ledger.Reset(r.Context(), req.Period); err != nil {
		if errors.Is(err, budget.ErrUnknownPeriod) {
			http.Error(w, "period must be daily or monthly", http.StatusBadRequest)
			return
		}
		log.Printf("error resetting budget: %v", err)
		http.Error(w, "failed to reset budget", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// DeadLetters handles GET /deadletters
func (h *PipelineHandler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	jobs, err := h.store.ListPermanentFailures(r.Context())
	if err != nil {
		log.Printf("error listing dead letter jobs: %v", err)
		http.Error(w, "failed to retrieve dead letter jobs", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(jobs); err != nil {
		log.Printf("error encoding response: %v", err)
	}
}

// GetMetrics handles GET /metrics
func (h *PipelineHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snapshot := h.metrics.GetSnapshot()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snapshot); err != nil {
		log.Printf("error encoding response: %v", err)
	}
}
