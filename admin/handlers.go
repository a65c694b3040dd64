// Package admin exposes operational HTTP endpoints for the sweep daemon:
// policy inspection and overrides, shard lookups, queue and worker state.
package admin

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/maxpert/marmot-sweep/metadata"
	"github.com/maxpert/marmot-sweep/queue"
	"github.com/maxpert/marmot-sweep/sweep"
	"github.com/maxpert/marmot-sweep/worker"
	"github.com/rs/zerolog/log"
)

// QueueStats reports sweep-queue contents
type QueueStats interface {
	Stats() (queue.Stats, error)
}

// WorkerControl is the part of the sweep worker the admin API drives
type WorkerControl interface {
	Status() worker.Status
	ProcessBatch(ctx context.Context) (worker.CycleResult, error)
}

// WriteAppender records writes for the worker to pick up
type WriteAppender interface {
	Append(writes []sweep.Write) (uint64, error)
}

// Dependencies wires the admin handlers. Store, Queue, Worker and Writes are optional;
// their routes answer 501 when absent.
type Dependencies struct {
	Source       sweep.MetadataSource
	Decoder      sweep.PolicyDecoder
	Store        *metadata.PebbleStore
	Queue        QueueStats
	Worker       WorkerControl
	Writes       WriteAppender
	Partitioning sweep.Options
}

// AdminHandlers handles admin API endpoints
type AdminHandlers struct {
	deps Dependencies
}

// NewAdminHandlers creates a new AdminHandlers instance
func NewAdminHandlers(deps Dependencies) (*AdminHandlers, error) {
	if deps.Source == nil {
		return nil, sweep.ErrNilMetadataSource
	}
	if deps.Decoder == nil {
		return nil, sweep.ErrNilPolicyDecoder
	}
	if deps.Partitioning.Shards <= 0 {
		return nil, sweep.ErrInvalidShardCount
	}
	return &AdminHandlers{deps: deps}, nil
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// decodeParam reads a cell coordinate, base64 when enc is "base64"
func decodeParam(r *http.Request, name, enc string) ([]byte, error) {
	raw := r.URL.Query().Get(name)
	switch enc {
	case "", "utf8":
		return []byte(raw), nil
	case "base64":
		b, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid base64 %s: %w", name, err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown encoding %q", enc)
	}
}

// parseShards reads an optional shard count override
func parseShards(r *http.Request, def int) (int, error) {
	s := r.URL.Query().Get("shards")
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid shards parameter: %w", err)
	}
	if n < 1 {
		return 0, fmt.Errorf("shards must be positive")
	}
	return n, nil
}
