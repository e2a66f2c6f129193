package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/username/landlordly/backend/src/logger"
	"github.com/username/landlordly/backend/src/model"
	"github.com/username/landlordly/backend/src/progress"
	"github.com/username/landlordly/backend/src/services"
	"github.com/username/landlordly/backend/src/utils"
)

const sseHeartbeatInterval = 15 * time.Second

// Syncer is the part of services.SyncService the handler uses.
type Syncer interface {
	Sync(ctx context.Context, accountID string) (*services.SyncResult, error)
}

// RunReader loads persisted sync runs.
type RunReader interface {
	GetSyncRun(ctx context.Context, id string) (*model.SyncRun, error)
}

type SyncHandler struct {
	syncer        Syncer
	runs          RunReader
	hub           *progress.Hub
	streamTimeout time.Duration
}

func NewSyncHandler(syncer Syncer, runs RunReader, hub *progress.Hub, streamTimeout time.Duration) *SyncHandler {
	if streamTimeout <= 0 {
		streamTimeout = 5 * time.Minute
	}
	return &SyncHandler{syncer: syncer, runs: runs, hub: hub, streamTimeout: streamTimeout}
}

// HandleSync runs an incremental sync and waits for it to finish.
func (h *SyncHandler) HandleSync(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("id")
	res, err := h.syncer.Sync(r.Context(), accountID)
	if err != nil {
		// Credential failures map to 401 even when the run was recorded.
		if status, _ := statusForError(err); res != nil && status == http.StatusInternalServerError {
			logger.FromContext(r.Context()).Error("Sync failed", "accountID", accountID, "syncRunID", res.SyncRunID, "error", err)
			utils.WriteJSON(w, http.StatusInternalServerError, map[string]interface{}{
				"error":  "Sync failed: " + err.Error(),
				"result": res,
			})
			return
		}
		sendServiceError(w, r, err, "Sync failed")
		return
	}
	utils.WriteJSON(w, http.StatusOK, res)
}

func (h *SyncHandler) HandleGetSyncRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.runs.GetSyncRun(r.Context(), r.PathValue("id"))
	if err != nil {
		sendServiceError(w, r, err, "Failed to load sync run")
		return
	}
	utils.WriteJSON(w, http.StatusOK, run)
}

// HandleProgressStream streams a run's progress as server-sent events. The persisted state
// is sent first, so late subscribers and finished runs still get one accurate event. The
// stream ends on a terminal event, the stream timeout, or client disconnect.
func (h *SyncHandler) HandleProgressStream(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	log := logger.FromContext(r.Context()).With("syncRunID", runID)

	// Subscribe before reading the stored state so no transition falls in between.
	sub := h.hub.Subscribe(runID)
	defer h.hub.Unsubscribe(sub)

	run, err := h.runs.GetSyncRun(r.Context(), runID)
	if err != nil {
		sendServiceError(w, r, err, "Failed to load sync run")
		return
	}

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		log.Warn("Could not clear write deadline for progress stream", "error", err)
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	initial := eventFromRun(run)
	if err := writeSSE(w, rc, "progress", initial); err != nil || initial.IsTerminal() {
		return
	}

	timeout := time.NewTimer(h.streamTimeout)
	defer timeout.Stop()
	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			log.Debug("Progress stream client disconnected")
			return
		case <-timeout.C:
			_ = writeSSE(w, rc, "timeout", map[string]string{"message": "progress stream timed out; poll the sync run for its final state"})
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := writeSSE(w, rc, "progress", ev); err != nil {
				log.Debug("Progress stream write failed", "error", err)
				return
			}
			if ev.IsTerminal() {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, rc *http.ResponseController, event string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	return rc.Flush()
}

// eventFromRun renders a stored run as a progress event.
func eventFromRun(run *model.SyncRun) progress.Event {
	ev := progress.Event{
		SyncRunID:             run.ID,
		Status:                progress.StatusFetching,
		TransactionsFetched:   run.TransactionsFetched,
		TransactionsProcessed: run.TransactionsFetched,
		DuplicatesSkipped:     run.DuplicatesSkipped,
	}
	switch run.Status {
	case model.SyncStatusSuccess, model.SyncStatusPartial:
		ev.Status = progress.StatusCompleted
	case model.SyncStatusFailed:
		ev.Status = progress.StatusFailed
	}
	if run.ErrorMessage != nil {
		ev.Message = *run.ErrorMessage
	}
	return ev
}
