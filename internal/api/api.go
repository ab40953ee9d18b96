// Package api serves the HTTP query interface used by the inspection UI.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/shineum/ghostmail/internal/metrics"
	"github.com/shineum/ghostmail/internal/store"
	"github.com/shineum/ghostmail/internal/submit"
)

// Submitter delivers a test message to the capture endpoint.
type Submitter interface {
	Send(ctx context.Context, req submit.Request) (string, error)
}

// Info is the connection summary shown to users configuring a client.
type Info struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Domain   string `json:"domain"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Handler serves the query interface on top of a store.
type Handler struct {
	store     store.Store
	submitter Submitter
	info      Info
}

// New creates a Handler. submitter may be nil, in which case POST /api/send
// is not registered.
func New(st store.Store, submitter Submitter, info Info) *Handler {
	return &Handler{store: st, submitter: submitter, info: info}
}

// Routes returns the HTTP handler with every endpoint registered.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/emails", h.listEmails)
	mux.HandleFunc("DELETE /api/emails", h.clearEmails)
	mux.HandleFunc("GET /api/emails/{id}", h.getEmail)
	mux.HandleFunc("GET /api/emails.mbox", h.exportMbox)
	mux.HandleFunc("GET /api/info", h.getInfo)
	if h.submitter != nil {
		mux.HandleFunc("POST /api/send", h.send)
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("ok\n"))
	})
	mux.Handle("GET /metrics", metrics.Handler())
	return logRequests(mux)
}

func (h *Handler) listEmails(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.store.List(r.Context())
	if err != nil {
		h.storeError(w, "list emails", err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) clearEmails(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Clear(r.Context()); err != nil {
		h.storeError(w, "clear emails", err)
		return
	}
	metrics.ClearInc()
	slog.Info("store cleared")
	writeJSON(w, http.StatusOK, response{Success: true})
}

func (h *Handler) getEmail(w http.ResponseWriter, r *http.Request) {
	msg, err := h.store.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, response{Message: "Email not found."})
		return
	}
	if err != nil {
		h.storeError(w, "get email", err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *Handler) exportMbox(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/mbox")
	w.Header().Set("Content-Disposition", `attachment; filename="ghostmail.mbox"`)

	n, err := store.ExportMbox(r.Context(), h.store, w)
	if err != nil {
		// Headers may already be on the wire; only the log can report this.
		slog.Error("mbox export failed", "written", n, "error", err)
		return
	}
	slog.Debug("mbox exported", "messages", n)
}

func (h *Handler) getInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.info)
}

func (h *Handler) send(w http.ResponseWriter, r *http.Request) {
	var req submit.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 10<<20)).Decode(&req); err != nil {
		metrics.SubmitInc("invalid")
		writeJSON(w, http.StatusBadRequest, response{Message: "Invalid request body."})
		return
	}

	switch err := req.Validate(); {
	case errors.Is(err, submit.ErrMissingFields):
		metrics.SubmitInc("invalid")
		writeJSON(w, http.StatusBadRequest, response{Message: "Missing required fields."})
		return
	case errors.Is(err, submit.ErrNoRecipients):
		metrics.SubmitInc("invalid")
		writeJSON(w, http.StatusBadRequest, response{Message: "Provide at least one recipient."})
		return
	}

	if _, err := h.submitter.Send(r.Context(), req); err != nil {
		slog.Error("failed to send email", "error", err)
		metrics.SubmitInc("error")
		writeJSON(w, http.StatusInternalServerError, response{Message: "Failed to deliver email."})
		return
	}
	metrics.SubmitInc("ok")
	writeJSON(w, http.StatusOK, response{Success: true, Message: "Email sent successfully."})
}

func (h *Handler) storeError(w http.ResponseWriter, op string, err error) {
	slog.Error("store operation failed", "op", op, "error", err)
	writeJSON(w, http.StatusInternalServerError, response{Message: "Failed to access the email store."})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}

// statusRecorder captures the status code for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

// ListenAndServe serves h on addr until ctx is cancelled, then shuts the
// server down gracefully.
func ListenAndServe(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
