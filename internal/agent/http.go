package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/leonardcser/offline-agent/internal/events"
	"github.com/leonardcser/offline-agent/internal/fetch"
	"github.com/leonardcser/offline-agent/internal/invalidation"
	"github.com/leonardcser/offline-agent/internal/transport"
)

// RequestIDHeader lets a caller choose the queue id of a write.
const RequestIDHeader = "X-Offline-Request-Id"

// eventBuffer bounds how far an SSE client may lag before events are dropped.
const eventBuffer = 64

// Handler serves the proxy, the admin routes and metrics.
func (a *Agent) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(accessLog(a.log.Named("http")))

	r.Handle("/metrics", a.metrics.Handler())
	r.Route("/_offline", func(r chi.Router) {
		r.Get("/status", a.handleStatus)
		r.Post("/sync", a.handleSync)
		r.Get("/queue", a.handleQueue)
		r.Post("/invalidate/{domain}", a.handleInvalidate)
		r.Get("/events", a.handleEvents)
	})
	r.HandleFunc("/*", a.handleProxy)
	return r
}

func accessLog(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("requestID", chimiddleware.GetReqID(r.Context())),
			)
		})
	}
}

func (a *Agent) handleProxy(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, transport.MaxResponseSize))
	if err != nil {
		respondWithError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	req := fetch.FromHTTP(r, a.upstream, body)

	if isWrite(r.Method) {
		a.handleWrite(w, r, req)
		return
	}
	resp, err := a.router.Handle(r.Context(), req)
	if err != nil {
		respondWithError(w, http.StatusBadGateway, err.Error())
		return
	}
	resp.WriteResponse(w)
}

// handleWrite sends the write directly while online. A write that could not
// be delivered is queued and acknowledged with 202.
func (a *Agent) handleWrite(w http.ResponseWriter, r *http.Request, req *fetch.Request) {
	if a.monitor.IsOnline() {
		resp, err := a.transport.Do(r.Context(), req)
		if err == nil {
			resp.WriteResponse(w)
			return
		}
		a.log.Info("direct write failed, queueing", zap.String("url", req.URL), zap.Error(err))
		if a.probing {
			a.monitor.SetOnline(false)
		}
	}
	id, err := a.Enqueue(r.Context(), r.Header.Get(RequestIDHeader), req)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondWithJSON(w, http.StatusAccepted, map[string]any{"queued": true, "requestId": id})
}

func (a *Agent) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, a.Status(r.Context()))
}

func (a *Agent) handleSync(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, a.Sync(r.Context()))
}

func (a *Agent) handleQueue(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, a.Pending())
}

func (a *Agent) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	res, err := a.Invalidate(r.Context(), chi.URLParam(r, "domain"), r.URL.Query().Get("id"))
	if errors.Is(err, invalidation.ErrUnknownDomain) {
		respondWithError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, res)
}

// handleEvents streams bus events as server-sent events. Slow clients lose
// events rather than blocking publishers.
func (a *Agent) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondWithError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	ch := make(chan events.Event, eventBuffer)
	unsubscribe := a.bus.Subscribe(func(ev events.Event) {
		select {
		case ch <- ev:
		default:
			a.log.Warn("event stream lagging, dropping event", zap.String("kind", string(ev.Kind)))
		}
	})
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func isWrite(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func respondWithJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]any{
		"error":   true,
		"message": message,
		"code":    code,
	})
}
