package httpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"

	"github.com/pixtools/pixtools/internal/config"
	"github.com/pixtools/pixtools/internal/domain"
	"github.com/pixtools/pixtools/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg         config.Config
	Submit      usecase.SubmitService
	Status      usecase.StatusService
	DBCheck     func(ctx context.Context) error
	RedisCheck  func(ctx context.Context) error
	BrokerCheck func(ctx context.Context) error
	StoreCheck  func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, submit usecase.SubmitService, status usecase.StatusService, dbCheck, redisCheck, brokerCheck, storeCheck func(context.Context) error) *Server {
	return &Server{
		Cfg:         cfg,
		Submit:      submit,
		Status:      status,
		DBCheck:     dbCheck,
		RedisCheck:  redisCheck,
		BrokerCheck: brokerCheck,
		StoreCheck:  storeCheck,
	}
}

// ProcessHandler accepts a multipart submission and returns 202 with the
// job id. Validation order: size, content type, operations, params,
// webhook url, idempotency key.
func (s *Server) ProcessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Content-Type"), "multipart/form-data") {
			writeError(w, r, fmt.Errorf("%w: content-type must be multipart/form-data", domain.ErrInvalidArgument), nil)
			return
		}

		// Cap the whole body slightly above the file limit so form fields
		// still fit; the file itself is checked against the exact limit.
		r.Body = http.MaxBytesReader(w, r.Body, s.Cfg.MaxUploadBytes+64*1024)
		if err := r.ParseMultipartForm(s.Cfg.MaxUploadBytes + 64*1024); err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				writeError(w, r, fmt.Errorf("%w: body exceeds %d bytes", domain.ErrTooLarge, s.Cfg.MaxUploadBytes),
					map[string]any{"max_bytes": s.Cfg.MaxUploadBytes})
				return
			}
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: file is required", domain.ErrUnprocessable), map[string]string{"field": "file"})
			return
		}
		defer func() { _ = file.Close() }()
		data, err := io.ReadAll(file)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: file read: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		if int64(len(data)) > s.Cfg.MaxUploadBytes {
			writeError(w, r, fmt.Errorf("%w: file exceeds %d bytes", domain.ErrTooLarge, s.Cfg.MaxUploadBytes),
				map[string]any{"max_bytes": s.Cfg.MaxUploadBytes})
			return
		}

		sniffed := mimetype.Detect(data)
		source := sourceFormat(sniffed.String())
		if source == "" {
			writeError(w, r, fmt.Errorf("%w: %s", domain.ErrUnsupportedMedia, sniffed.String()),
				map[string]string{"mime": sniffed.String(), "filename": header.Filename})
			return
		}

		ops, err := parseOperations(r.FormValue("operations"))
		if err != nil {
			writeError(w, r, err, map[string]string{"field": "operations"})
			return
		}
		if err := rejectSameFormat(source, ops); err != nil {
			writeError(w, r, err, map[string]string{"source_format": string(source)})
			return
		}
		params, err := parseParams(r.FormValue("operation_params"), ops)
		if err != nil {
			writeError(w, r, err, map[string]string{"field": "operation_params"})
			return
		}
		webhookURL := strings.TrimSpace(r.FormValue("webhook_url"))
		if err := validateWebhookURL(webhookURL); err != nil {
			writeError(w, r, err, map[string]string{"field": "webhook_url"})
			return
		}
		idemKey := r.Header.Get("Idempotency-Key")
		if err := validateIdempotencyKey(idemKey); err != nil {
			writeError(w, r, err, map[string]string{"field": "Idempotency-Key"})
			return
		}

		jobID, err := s.Submit.Submit(r.Context(), usecase.SubmitRequest{
			Data:           data,
			Filename:       header.Filename,
			ContentType:    sniffed.String(),
			Operations:     ops,
			Params:         params,
			WebhookURL:     webhookURL,
			IdempotencyKey: idemKey,
			CorrelationID:  r.Header.Get("X-Request-Id"),
		})
		if err != nil {
			writeError(w, r, fmt.Errorf("submit: %w", err), nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
	}
}

// JobHandler returns the current job state with freshly signed URLs.
func (s *Server) JobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			writeError(w, r, fmt.Errorf("%w: id missing", domain.ErrInvalidArgument), nil)
			return
		}
		view, err := s.Status.Fetch(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

// HealthHandler probes database, redis, broker, and object store. The
// endpoint is healthy only when every dependency answers.
func (s *Server) HealthHandler() http.HandlerFunc {
	probe := func(ctx context.Context, check func(context.Context) error) string {
		if check == nil {
			return "down"
		}
		if err := check(ctx); err != nil {
			return "down"
		}
		return "ok"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		deps := map[string]string{
			"database":    probe(ctx, s.DBCheck),
			"redis":       probe(ctx, s.RedisCheck),
			"broker":      probe(ctx, s.BrokerCheck),
			"objectstore": probe(ctx, s.StoreCheck),
		}
		status := "healthy"
		code := http.StatusOK
		for _, v := range deps {
			if v != "ok" {
				status = "degraded"
				code = http.StatusServiceUnavailable
				break
			}
		}
		writeJSON(w, code, map[string]any{"status": status, "dependencies": deps})
	}
}
