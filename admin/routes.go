package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/marmot-sweep/sweep"
	"github.com/rs/zerolog/log"
)

// RegisterRoutes registers all admin API routes using chi router
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers) {
	r := chi.NewRouter()
	r.Use(AuthMiddleware)

	r.Get("/shard", handlers.handleShard)

	r.Route("/policy", func(r chi.Router) {
		r.Get("/", handlers.handleListPolicies)
		r.Get("/{table}", handlers.handleGetPolicy)
		r.Put("/{table}", handlers.handlePutPolicy)
		r.Delete("/{table}", handlers.handleDeletePolicy)
	})

	r.Get("/queue/stats", handlers.handleQueueStats)
	r.Post("/writes", handlers.handleAppendWrites)

	r.Route("/worker", func(r chi.Router) {
		r.Get("/", handlers.handleWorkerStatus)
		r.Post("/run", handlers.handleWorkerRun)
	})

	// Mount chi router under /admin
	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	log.Info().Msg("Admin endpoints enabled at /admin/*")
}

type policyResponse struct {
	Table     string `json:"table"`
	Policy    string `json:"policy"`
	Sweepable bool   `json:"sweepable"`
}

type shardResponse struct {
	Shard  int    `json:"shard"`
	Shards int    `json:"shards"`
	Hash   uint64 `json:"hash"`
}

// handleShard reports where a cell routes: /shard?row=..&col=..[&encoding=base64][&shards=n]
func (h *AdminHandlers) handleShard(w http.ResponseWriter, r *http.Request) {
	enc := r.URL.Query().Get("encoding")
	row, err := decodeParam(r, "row", enc)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	col, err := decodeParam(r, "col", enc)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	shards, err := parseShards(r, h.deps.Partitioning.Shards)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	cell := sweep.Cell{Row: row, Column: col}
	writeJSONResponse(w, shardResponse{
		Shard:  sweep.ShardOf(cell, shards),
		Shards: shards,
		Hash:   sweep.CellHash(cell),
	})
}

// handleGetPolicy resolves a table's policy the way the next worker cycle will
func (h *AdminHandlers) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	table := sweep.TableRef(chi.URLParam(r, "table"))

	cache, err := sweep.NewPolicyCache(h.deps.Source, h.deps.Decoder)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	policy, err := cache.Resolve(r.Context(), table)
	if err != nil {
		status := http.StatusInternalServerError
		if sweep.IsRetryable(err) {
			status = http.StatusServiceUnavailable
		}
		writeErrorResponse(w, status, err.Error())
		return
	}

	writeJSONResponse(w, policyResponse{
		Table:     string(table),
		Policy:    policy.String(),
		Sweepable: policy.Sweepable(),
	})
}

func (h *AdminHandlers) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	if h.deps.Store == nil {
		writeErrorResponse(w, http.StatusNotImplemented, "metadata store not configured")
		return
	}

	tables, err := h.deps.Store.List()
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]policyResponse, 0, len(tables))
	for _, table := range tables {
		raw, err := h.deps.Store.FetchRawMetadata(r.Context(), table)
		if err != nil {
			writeErrorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		// Undecodable entries list as the conservative fallback they resolve to
		policy, err := h.deps.Decoder.Decode(raw)
		if err != nil {
			policy = sweep.PolicyConservative
		}
		out = append(out, policyResponse{
			Table:     string(table),
			Policy:    policy.String(),
			Sweepable: policy.Sweepable(),
		})
	}

	writeJSONResponse(w, out)
}

type putPolicyRequest struct {
	Policy string `json:"policy"`
}

func (h *AdminHandlers) handlePutPolicy(w http.ResponseWriter, r *http.Request) {
	if h.deps.Store == nil {
		writeErrorResponse(w, http.StatusNotImplemented, "metadata store not configured")
		return
	}

	var req putPolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	policy, err := sweep.ParsePolicy(req.Policy)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	table := sweep.TableRef(chi.URLParam(r, "table"))
	if err := h.deps.Store.Put(table, policy); err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().Str("table", string(table)).Str("policy", policy.String()).Msg("Sweep policy updated")
	writeJSONResponse(w, policyResponse{
		Table:     string(table),
		Policy:    policy.String(),
		Sweepable: policy.Sweepable(),
	})
}

func (h *AdminHandlers) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	if h.deps.Store == nil {
		writeErrorResponse(w, http.StatusNotImplemented, "metadata store not configured")
		return
	}

	table := sweep.TableRef(chi.URLParam(r, "table"))
	if err := h.deps.Store.Delete(table); err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().Str("table", string(table)).Msg("Sweep policy removed")
	writeJSONResponse(w, map[string]string{"table": string(table)})
}

func (h *AdminHandlers) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	if h.deps.Queue == nil {
		writeErrorResponse(w, http.StatusNotImplemented, "queue stats not available for this queue type")
		return
	}

	stats, err := h.deps.Queue.Stats()
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONResponse(w, stats)
}

func (h *AdminHandlers) handleWorkerStatus(w http.ResponseWriter, r *http.Request) {
	if h.deps.Worker == nil {
		writeErrorResponse(w, http.StatusNotImplemented, "worker not configured")
		return
	}
	writeJSONResponse(w, h.deps.Worker.Status())
}

// handleWorkerRun runs one cycle synchronously
func (h *AdminHandlers) handleWorkerRun(w http.ResponseWriter, r *http.Request) {
	if h.deps.Worker == nil {
		writeErrorResponse(w, http.StatusNotImplemented, "worker not configured")
		return
	}

	res, err := h.deps.Worker.ProcessBatch(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, r.Context().Err()) {
			status = http.StatusServiceUnavailable
		}
		writeErrorResponse(w, status, err.Error())
		return
	}
	writeJSONResponse(w, res)
}

// writeRequest carries one recorded write; row and col are base64
type writeRequest struct {
	Table     string `json:"table"`
	Row       []byte `json:"row"`
	Col       []byte `json:"col"`
	Timestamp uint64 `json:"ts"`
}

// handleAppendWrites records writes for sweeping
func (h *AdminHandlers) handleAppendWrites(w http.ResponseWriter, r *http.Request) {
	if h.deps.Writes == nil {
		writeErrorResponse(w, http.StatusNotImplemented, "write log not configured")
		return
	}

	var reqs []writeRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	writes := make([]sweep.Write, 0, len(reqs))
	for i, req := range reqs {
		if req.Table == "" {
			writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("write %d: table is required", i))
			return
		}
		writes = append(writes, sweep.NewWrite(sweep.TableRef(req.Table), req.Row, req.Col, req.Timestamp))
	}

	last, err := h.deps.Writes.Append(writes)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONResponse(w, map[string]interface{}{"appended": len(writes), "last_seq": last})
}
