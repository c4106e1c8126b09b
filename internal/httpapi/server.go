package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/pagestash/pagestash/internal/pagestash"
)

type ServerConfig struct {
	AuthToken       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	WatchWriteWait  time.Duration
}

type Server struct {
	store       *pagestash.Store
	cfg         ServerConfig
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

type addItemRequest struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

func NewServer(store *pagestash.Store) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store *pagestash.Store, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.WatchWriteWait <= 0 {
		cfg.WatchWriteWait = 5 * time.Second
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		store:       store,
		cfg:         cfg,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	if s.rateLimiter != nil && !s.rateLimiter.allow(clientKey(r), time.Now()) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
		return
	}
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
		return
	}

	switch {
	case r.URL.Path == "/v1/items" && r.Method == http.MethodPost:
		s.handleAddItem(w, r)
	case r.URL.Path == "/v1/items" && r.Method == http.MethodGet:
		s.handleListItems(w, r)
	case r.URL.Path == "/v1/items/count" && r.Method == http.MethodGet:
		s.handleCountItems(w, r)
	case r.URL.Path == "/v1/items/watch" && r.Method == http.MethodGet:
		s.handleWatchItems(w, r)
	case strings.HasPrefix(r.URL.Path, "/v1/items/") && r.Method == http.MethodDelete:
		s.handleRemoveItem(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) handleAddItem(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	var req addItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "request body must be JSON with url and title")
		return
	}
	item, err := s.store.Add(r.Context(), req.URL, req.Title)
	if err != nil {
		status, code := errorStatus(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	var (
		items []pagestash.Item
		err   error
	)
	if query == "" {
		items, err = s.store.List(r.Context())
	} else {
		items, err = s.store.Search(r.Context(), query)
	}
	if err != nil {
		status, code := errorStatus(err)
		writeError(w, status, code, err.Error())
		return
	}
	if items == nil {
		items = []pagestash.Item{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleCountItems(w http.ResponseWriter, r *http.Request) {
	count, err := s.store.Count(r.Context())
	if err != nil {
		status, code := errorStatus(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

func (s *Server) handleRemoveItem(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/items/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}
	if err := s.store.Remove(r.Context(), id); err != nil {
		status, code := errorStatus(err)
		writeError(w, status, code, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWatchItems(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "server error")

	signals := make(chan struct{}, 1)
	cancel := s.store.Subscribe(func() {
		select {
		case signals <- struct{}{}:
		default:
		}
	})
	defer cancel()

	// CloseRead discards client frames and cancels the context when the
	// peer goes away; the feed is write-only.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-signals:
			writeCtx, cancelWrite := context.WithTimeout(ctx, s.cfg.WatchWriteWait)
			err := wsjson.Write(writeCtx, conn, map[string]string{"event": "changed"})
			cancelWrite()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return false
	}
	token := strings.TrimPrefix(header, "Bearer ")
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, pagestash.ErrInvalidURL):
		return http.StatusBadRequest, "invalid_url"
	case errors.Is(err, pagestash.ErrStorageFull):
		return http.StatusUnprocessableEntity, "storage_full"
	case errors.Is(err, pagestash.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, pagestash.ErrBackendUnavailable):
		return http.StatusServiceUnavailable, "backend_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func clientKey(r *http.Request) string {
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"code":    code,
		"message": message,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
