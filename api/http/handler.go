package http

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/postkit/mta/model"
	"github.com/postkit/mta/service/queue"
	"github.com/postkit/mta/service/resolver"
	"github.com/postkit/mta/service/sender"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const bulkDomainsLimit = 100
const failedJobsLimit = 100
const bodyLimit = 16 * 1024 * 1024

type handler struct {
	resolver resolver.Service
	queue    queue.Service
	sender   sender.Service
	log      *slog.Logger
}

// NewHandler serves the relay API. A non-empty token protects every /v1 route with a bearer check.
func NewHandler(res resolver.Service, q queue.Service, s sender.Service, token string, log *slog.Logger) http.Handler {
	h := handler{
		resolver: res,
		queue:    q,
		sender:   s,
		log:      log,
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)
	r.Get("/health", h.health)
	r.Get("/stats", h.stats)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/v1", func(r chi.Router) {
		if token != "" {
			r.Use(bearer(token))
		}
		r.Get("/dns/{domain}", h.dns)
		r.Post("/dns/bulk", h.dnsBulk)
		r.Post("/send", h.send)
		r.Post("/smtp/verify", h.verify)
		r.Get("/jobs/failed", h.failed)
		r.Get("/jobs/{id}", h.job)
	})
	return r
}

func bearer(token string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (h handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		lvl := slog.LevelDebug
		if ww.Status() >= http.StatusInternalServerError {
			lvl = slog.LevelError
		}
		h.log.Log(r.Context(), lvl, fmt.Sprintf("http %s %s: %d, %s", r.Method, r.URL.Path, ww.Status(), time.Since(start)))
	})
}

func (h handler) health(w http.ResponseWriter, r *http.Request) {
	writeJson(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h handler) stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.queue.Stats(r.Context())
	switch err {
	case nil:
		writeJson(w, http.StatusOK, st)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

type dnsResponse struct {
	Targets []model.RelayTarget `json:"targets"`
	Errors  []domainError       `json:"errors,omitempty"`
}

type domainError struct {
	Domain string `json:"domain"`
	Error  string `json:"error"`
}

func (h handler) dns(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	targets, failures := h.resolver.Resolve(r.Context(), domain)
	if len(failures) > 0 {
		err := failures[0].Err
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, resolver.ErrInvalidDomain):
			status = http.StatusBadRequest
		case errors.Is(err, resolver.ErrNullMx), errors.Is(err, resolver.ErrNoHost):
			status = http.StatusNotFound
		}
		writeError(w, status, failures[0])
		return
	}
	writeJson(w, http.StatusOK, dnsResponse{Targets: targets})
}

type dnsBulkRequest struct {
	Domains []string `json:"domains"`
}

// dnsBulk answers with the targets of the resolved domains, failing domains are listed separately.
func (h handler) dnsBulk(w http.ResponseWriter, r *http.Request) {
	var req dnsBulkRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	switch {
	case len(req.Domains) == 0:
		writeError(w, http.StatusBadRequest, errors.New("no domains"))
		return
	case len(req.Domains) > bulkDomainsLimit:
		writeError(w, http.StatusBadRequest, fmt.Errorf("too many domains, limit is %d", bulkDomainsLimit))
		return
	}
	targets, failures := h.resolver.Resolve(r.Context(), req.Domains...)
	resp := dnsResponse{
		Targets: targets,
	}
	if resp.Targets == nil {
		resp.Targets = []model.RelayTarget{}
	}
	for _, f := range failures {
		resp.Errors = append(resp.Errors, domainError{Domain: f.Domain, Error: f.Err.Error()})
	}
	writeJson(w, http.StatusOK, resp)
}

type sendResponse struct {
	Id string `json:"id"`
}

func (h handler) send(w http.ResponseWriter, r *http.Request) {
	var req queue.Transactional
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Draft.From.Address == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing from address"))
		return
	}
	id, err := h.queue.Enqueue(r.Context(), queue.Payload{
		Kind:          queue.KindTransactional,
		Transactional: &req,
	})
	switch {
	case err == nil:
		writeJson(w, http.StatusAccepted, sendResponse{Id: id})
	case errors.Is(err, queue.ErrInvalidPayload):
		writeError(w, http.StatusBadRequest, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

type verifyResponse struct {
	Ok    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// verify reports a failed verification in the body, only a broken request is an error status.
func (h handler) verify(w http.ResponseWriter, r *http.Request) {
	var cfg model.SmtpConfig
	if err := decode(r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if cfg.Host == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing host"))
		return
	}
	resp := verifyResponse{Ok: true}
	if err := h.sender.Verify(r.Context(), cfg); err != nil {
		resp.Ok = false
		resp.Error = err.Error()
	}
	writeJson(w, http.StatusOK, resp)
}

func (h handler) job(w http.ResponseWriter, r *http.Request) {
	j, err := h.queue.Job(r.Context(), chi.URLParam(r, "id"))
	switch {
	case err == nil:
		writeJson(w, http.StatusOK, newJobView(j))
	case errors.Is(err, queue.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (h handler) failed(w http.ResponseWriter, r *http.Request) {
	limit := failedJobsLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", s))
			return
		}
		limit = min(n, failedJobsLimit)
	}
	jobs, err := h.queue.Failed(r.Context(), limit)
	switch err {
	case nil:
		writeJson(w, http.StatusOK, newJobViews(jobs))
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func decode(r *http.Request, v any) (err error) {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, bodyLimit))
	dec.DisallowUnknownFields()
	err = dec.Decode(v)
	if err != nil {
		err = fmt.Errorf("invalid request body: %w", err)
	}
	return
}

func writeJson(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJson(w, status, map[string]string{"error": err.Error()})
}
