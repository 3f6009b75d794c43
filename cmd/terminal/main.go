// The terminal binary runs next to the register. It captures sales into a
// local durable queue, watches server connectivity and drains the queue to
// the central server whenever the link holds.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"lakupos/internal/client"
	"lakupos/internal/config"
	"lakupos/internal/connectivity"
	"lakupos/internal/domain"
	"lakupos/internal/queue"
	"lakupos/internal/syncer"
)

func main() {
	cfg := config.LoadTerminal()

	q, err := queue.Open(cfg.QueuePath)
	if err != nil {
		log.Fatalf("open queue: %v", err)
	}
	defer q.Close()

	api := client.New(cfg.ServerBaseURL, cfg.Username, cfg.Password, cfg.SyncCallTimeout)
	monitor := connectivity.NewMonitor(api, cfg.PollInterval)
	drainer := syncer.New(q, api, monitor, cfg.SyncBatchSize, cfg.SyncCallTimeout, cfg.RetryBudget)

	monitor.Subscribe(func(online bool) {
		if online {
			drainer.Kick()
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Run(ctx)
	go drainer.Run(ctx)

	app := &terminalAPI{cfg: cfg, queue: q, monitor: monitor, drainer: drainer}

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           app.handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("terminal %s listening on %s, server %s", cfg.TerminalID, cfg.Address(), cfg.ServerBaseURL)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("terminal server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	log.Println("terminal stopped")
}

type terminalAPI struct {
	cfg     config.TerminalConfig
	queue   *queue.Queue
	monitor *connectivity.Monitor
	drainer *syncer.Syncer
}

func (t *terminalAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", t.handleHealth)
	mux.HandleFunc("/api/v1/sales", t.handleCapture)
	mux.HandleFunc("/api/v1/queue/status", t.handleQueueStatus)
	mux.HandleFunc("/api/v1/queue/failed", t.handleQueueFailed)
	mux.HandleFunc("/api/v1/queue/failed/", t.handleQueueRetry)
	mux.HandleFunc("/api/v1/sync/drain", t.handleDrainNow)
	return mux
}

func (t *terminalAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"online": t.monitor.Online(),
	})
}

// handleCapture accepts a sale from the register UI. The sale always goes
// through the queue, online or not; the drain loop is the only path to the
// server so ordering never depends on connectivity timing.
func (t *terminalAPI) handleCapture(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}

	var req domain.CommitRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if strings.TrimSpace(req.IdempotencyKey) == "" {
		req.IdempotencyKey = uuid.NewString()
	}
	if req.TerminalID == "" {
		req.TerminalID = t.cfg.TerminalID
	}
	if req.BranchID == "" {
		req.BranchID = t.cfg.BranchID
	}
	if req.ClientTime.IsZero() {
		req.ClientTime = time.Now().UTC()
	}

	item, duplicate, err := t.queue.Enqueue(req)
	if err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, queue.ErrInvalidItem) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}

	if t.monitor.Online() {
		t.drainer.Kick()
	}

	status := http.StatusAccepted
	if duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{
		"queued":    item,
		"duplicate": duplicate,
		"online":    t.monitor.Online(),
	})
}

func (t *terminalAPI) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	counts, err := t.queue.Counts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"counts": counts,
		"online": t.monitor.Online(),
	})
}

func (t *terminalAPI) handleQueueFailed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	items, err := t.queue.ListFailed()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"failed": items})
}

func (t *terminalAPI) handleQueueRetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}

	prefix := "/api/v1/queue/failed/"
	if !strings.HasSuffix(r.URL.Path, "/retry") {
		writeError(w, http.StatusBadRequest, errors.New("invalid retry path"))
		return
	}
	rawSeq := strings.Trim(strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, prefix), "/retry"), "/")
	seq, err := strconv.ParseUint(rawSeq, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid queue sequence"))
		return
	}

	item, err := t.queue.RetryFailed(seq)
	if err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, queue.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}

	if t.monitor.Online() {
		t.drainer.Kick()
	}
	writeJSON(w, http.StatusOK, map[string]any{"queued": item})
}

func (t *terminalAPI) handleDrainNow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	t.drainer.Kick()
	writeJSON(w, http.StatusAccepted, map[string]any{
		"ok":     true,
		"online": t.monitor.Online(),
	})
}

func writeError(w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	if status >= 500 {
		log.Printf("internal error (status %d): %v", status, err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
