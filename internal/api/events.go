package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/bom-pipeline/internal/model"
	"github.com/sells-group/bom-pipeline/internal/progress"
)

// handleEvents relays progress snapshots as server-sent events. The
// default stream is the stage-level channel; ?channel=enrichment selects
// the item-level one. Both streams end once the pipeline is terminal, and
// the item stream also ends on the final enrichment snapshot.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	bomID := chi.URLParam(r, "bomID")
	ctx := r.Context()

	flusher, ok := w.(http.Flusher)
	if !ok {
		RespondWithError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// Subscribe before reading state so no terminal snapshot falls between.
	stages, cancelStages, err := s.opts.Bus.Subscribe(ctx, s.opts.ChannelPrefix+progress.PipelineChannel(bomID))
	if err != nil {
		respondErr(w, err)
		return
	}
	defer cancelStages()

	var items <-chan progress.Message
	itemStream := r.URL.Query().Get("channel") == "enrichment"
	if itemStream {
		ch, cancelItems, err := s.opts.Bus.Subscribe(ctx, s.opts.ChannelPrefix+progress.EnrichmentChannel(bomID))
		if err != nil {
			respondErr(w, err)
			return
		}
		defer cancelItems()
		items = ch
	}

	st, err := s.mgr.Status(ctx, bomID)
	if err != nil {
		respondErr(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if st.Status.IsTerminal() {
		if !itemStream {
			if raw, err := json.Marshal(st); err == nil {
				writeEvent(w, "pipeline", raw)
			}
		}
		flusher.Flush()
		return
	}
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-stages:
			if !ok {
				return
			}
			terminal := terminalSnapshot(msg.Payload)
			if !itemStream {
				writeEvent(w, "pipeline", msg.Payload)
				flusher.Flush()
			}
			if terminal {
				return
			}
		case msg, ok := <-items:
			if !ok {
				return
			}
			writeEvent(w, "enrichment", msg.Payload)
			flusher.Flush()
			if finalSnapshot(msg.Payload) {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, data []byte) {
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

func terminalSnapshot(payload []byte) bool {
	var snap struct {
		Status model.PipelineStatus `json:"status"`
	}
	if err := json.Unmarshal(payload, &snap); err != nil {
		return false
	}
	return snap.Status.IsTerminal()
}

func finalSnapshot(payload []byte) bool {
	var snap struct {
		Final bool `json:"final"`
	}
	if err := json.Unmarshal(payload, &snap); err != nil {
		return false
	}
	return snap.Final
}
