package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/bom-pipeline/internal/cache"
	"github.com/sells-group/bom-pipeline/internal/model"
	"github.com/sells-group/bom-pipeline/internal/pipeline"
	"github.com/sells-group/bom-pipeline/internal/resilience"
)

const defaultListLimit = 50

type healthResponse struct {
	Status   string       `json:"status"`
	Store    string       `json:"store"`
	Supplier string       `json:"supplier,omitempty"`
	Cache    *cache.Stats `json:"cache,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Store: "ok"}
	code := http.StatusOK

	if err := s.store.Ping(r.Context()); err != nil {
		resp.Status = "unavailable"
		resp.Store = err.Error()
		code = http.StatusServiceUnavailable
	}
	if s.opts.Breaker != nil {
		state := s.opts.Breaker.State()
		resp.Supplier = state.String()
		if state == resilience.CircuitOpen && code == http.StatusOK {
			resp.Status = "degraded"
		}
	}
	if s.opts.CacheStats != nil {
		stats := s.opts.CacheStats()
		resp.Cache = &stats
	}

	RespondWithJSON(w, code, resp)
}

type signalResponse struct {
	Changed bool                 `json:"changed"`
	State   *model.PipelineState `json:"state"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req model.BOMProcessingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	path, err := pipeline.UploadPath(s.opts.UploadsDir, req.Filename)
	if err != nil {
		respondErr(w, err)
		return
	}

	if err := s.ensureLineItems(r.Context(), req, path); err != nil {
		respondErr(w, err)
		return
	}

	st, err := s.mgr.Start(r.Context(), req)
	if err != nil {
		respondErr(w, err)
		return
	}
	RespondWithJSON(w, http.StatusAccepted, st)
}

// ensureLineItems imports the uploaded artifact of a new pipeline. A
// missing artifact is left for the raw_upload stage to record.
func (s *Server) ensureLineItems(ctx context.Context, req model.BOMProcessingRequest, path string) error {
	_, err := s.mgr.Status(ctx, req.BOMID)
	switch {
	case err == nil:
		return nil
	case !errors.Is(err, pipeline.ErrUnknownPipeline):
		return err
	}

	n, err := s.store.CountLineItems(ctx, req.BOMID)
	if err != nil {
		return eris.Wrap(err, "api: count line items")
	}
	if n > 0 {
		return nil
	}

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		zap.L().Warn("api: artifact missing, starting anyway", zap.String("bom_id", req.BOMID), zap.String("file", path))
		return nil
	}
	_, err = pipeline.ImportLineItems(ctx, s.store, req.BOMID, path)
	return err
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.PipelineFilter{
		OrganizationID: q.Get("org"),
		Limit:          defaultListLimit,
	}

	if raw := q.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status := model.PipelineStatus(strings.TrimSpace(part))
			if !status.Valid() {
				RespondWithError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", part))
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			RespondWithError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	states, err := s.mgr.List(r.Context(), filter)
	if err != nil {
		respondErr(w, err)
		return
	}
	if states == nil {
		states = []*model.PipelineState{}
	}
	RespondWithJSON(w, http.StatusOK, states)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.mgr.Status(r.Context(), chi.URLParam(r, "bomID"))
	if err != nil {
		respondErr(w, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, st)
}

func (s *Server) handleSignal(kind model.SignalKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bomID := chi.URLParam(r, "bomID")
		changed, err := s.mgr.Signal(r.Context(), bomID, kind)
		if err != nil {
			respondErr(w, err)
			return
		}
		st, err := s.mgr.Status(r.Context(), bomID)
		if err != nil {
			respondErr(w, err)
			return
		}
		RespondWithJSON(w, http.StatusOK, signalResponse{Changed: changed, State: st})
	}
}
