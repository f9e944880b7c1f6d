package tamperlog

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
)

// ReferenceServer exposes a ReferenceStore over HTTP(S) so the trusted
// location can live on a host the log writer cannot modify.
//
//	GET  /api/v1/references/{name}  latest checkpoint (protobuf) or 404
//	POST /api/v1/references/{name}  append a checkpoint
//
// A posted checkpoint must belong to the same log as the stored one and may
// not move its sequence backwards or replace the running hash stored for
// the same sequence.
type ReferenceServer struct {
	store     ReferenceStore
	logger    *slog.Logger
	metrics   *Metrics
	tlsConfig *tls.Config
	mu        sync.Mutex
}

// NewReferenceServer serves store. A nil logger discards output.
func NewReferenceServer(store ReferenceStore, logger *slog.Logger) *ReferenceServer {
	if logger == nil {
		logger = discardLogger()
	}
	return &ReferenceServer{store: store, logger: logger}
}

// SetMetrics enables per-request counters.
func (s *ReferenceServer) SetMetrics(m *Metrics) { s.metrics = m }

// SetTLSConfig clones cfg and stores it for use when serving HTTPS requests.
// If cfg is nil a default configuration will be used.
func (s *ReferenceServer) SetTLSConfig(cfg *tls.Config) {
	if cfg == nil {
		s.tlsConfig = nil
		return
	}
	s.tlsConfig = cfg.Clone()
}

// isProtobuf checks if the request content type is protobuf.
func isProtobuf(r *http.Request) bool {
	contentType := r.Header.Get("Content-Type")
	return strings.HasPrefix(contentType, protobufContentType) ||
		strings.HasPrefix(contentType, "application/protobuf")
}

// HandleGet handles GET /api/v1/references/{name}.
func (s *ReferenceServer) HandleGet(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := ValidateName(name); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	c, ok, err := s.store.Load(name)
	if err != nil {
		s.logger.Error("load checkpoint", "name", name, "err", err)
		http.Error(w, "load failed", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "no checkpoint", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", protobufContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(EncodeCheckpoint(c))
}

// HandlePost handles POST /api/v1/references/{name}.
func (s *ReferenceServer) HandlePost(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := ValidateName(name); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !isProtobuf(r) {
		http.Error(w, "expected "+protobufContentType, http.StatusUnsupportedMediaType)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxReferenceBody))
	if err != nil {
		http.Error(w, fmt.Sprintf("read body: %v", err), http.StatusBadRequest)
		return
	}
	c, err := DecodeCheckpoint(body)
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid checkpoint: %v", err), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok, err := s.store.Load(name)
	if err != nil {
		s.logger.Error("load checkpoint", "name", name, "err", err)
		http.Error(w, "load failed", http.StatusInternalServerError)
		return
	}
	if ok && conflicts(prev, c) {
		s.logger.Warn("rejected checkpoint", "name", name,
			"log_id", c.LogID, "seq", c.Sequence, "prev_log_id", prev.LogID, "prev_seq", prev.Sequence)
		http.Error(w, "checkpoint conflicts with stored history", http.StatusConflict)
		return
	}
	if err := s.store.Save(name, c); err != nil {
		s.logger.Error("save checkpoint", "name", name, "err", err)
		http.Error(w, "save failed", http.StatusInternalServerError)
		return
	}
	s.logger.Info("checkpoint stored", "name", name, "seq", c.Sequence)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "stored",
		"name":   name,
		"seq":    c.Sequence,
	})
}

// conflicts reports whether c would rewrite the history ending at prev: a
// different log, an earlier sequence, or the same sequence with another
// running hash.
func conflicts(prev, c Checkpoint) bool {
	switch {
	case prev.LogID != c.LogID, c.Sequence < prev.Sequence:
		return true
	case c.Sequence == prev.Sequence:
		return !bytes.Equal(c.RunningHash, prev.RunningHash)
	}
	return false
}

// SetupRoutes configures HTTP routes for the reference server.
func (s *ReferenceServer) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET "+referencePathPrefix+"{name}", s.instrument(s.HandleGet))
	mux.HandleFunc("POST "+referencePathPrefix+"{name}", s.instrument(s.HandlePost))
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *ReferenceServer) instrument(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		h(rec, r)
		s.metrics.referenceRequest(r.Method, rec.code)
	}
}

func (s *ReferenceServer) tlsConfigWithDefaults() *tls.Config {
	if s.tlsConfig == nil {
		return &tls.Config{MinVersion: tls.VersionTLS12}
	}
	cfg := s.tlsConfig.Clone()
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}
	return cfg
}

// Server builds an *http.Server serving the reference routes plus any extra
// handlers registered on mux by the caller.
func (s *ReferenceServer) Server(addr string, mux *http.ServeMux) *http.Server {
	if mux == nil {
		mux = http.NewServeMux()
	}
	s.SetupRoutes(mux)
	return &http.Server{
		Addr:      addr,
		Handler:   mux,
		TLSConfig: s.tlsConfigWithDefaults(),
	}
}

// ListenAndServeTLS starts the HTTPS reference server.
func (s *ReferenceServer) ListenAndServeTLS(addr, certFile, keyFile string) error {
	return s.Server(addr, nil).ListenAndServeTLS(certFile, keyFile)
}
