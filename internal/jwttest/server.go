package jwttest

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
)

// Server serves a replaceable JWKS document with ETag support.
type Server struct {
	srv *httptest.Server

	mu     sync.RWMutex
	doc    []byte
	etag   string
	status int

	requests atomic.Int64
}

// NewServer starts a plain HTTP JWKS endpoint serving doc at "/".
func NewServer(doc []byte) *Server {
	s := &Server{}
	s.SetDocument(doc)
	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

// NewTLSServer is NewServer over HTTPS. Use Client() to reach it.
func NewTLSServer(doc []byte) *Server {
	s := &Server{}
	s.SetDocument(doc)
	s.srv = httptest.NewTLSServer(http.HandlerFunc(s.serve))
	return s
}

// URL returns the document URL.
func (s *Server) URL() string { return s.srv.URL + "/" }

// Client returns an HTTP client that trusts the server certificate.
func (s *Server) Client() *http.Client { return s.srv.Client() }

// Close stops the server.
func (s *Server) Close() { s.srv.Close() }

// Requests returns how many requests reached the server.
func (s *Server) Requests() int { return int(s.requests.Load()) }

// SetDocument replaces the served document.
func (s *Server) SetDocument(doc []byte) {
	sum := sha256.Sum256(doc)
	s.mu.Lock()
	s.doc = append([]byte(nil), doc...)
	s.etag = `"` + hex.EncodeToString(sum[:8]) + `"`
	s.mu.Unlock()
}

// SetStatus forces every response to code. Zero restores normal serving.
func (s *Server) SetStatus(code int) {
	s.mu.Lock()
	s.status = code
	s.mu.Unlock()
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	s.requests.Add(1)

	s.mu.RLock()
	doc, etag, status := s.doc, s.etag, s.status
	s.mu.RUnlock()

	if status != 0 {
		w.WriteHeader(status)
		return
	}
	if inm := r.Header.Get("If-None-Match"); inm != "" && inm == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc)
}
