// Copyright The Memtrack Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package http implements a shared HTTP server with a request multiplexer
// which allows handlers to be registered and unregistered while the server
// is running.
package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	nethttp "net/http"
	"sync"
	"time"

	logger "github.com/intel/memtrack/pkg/log"
)

// shutdownTimeout is how long a graceful shutdown may take.
const shutdownTimeout = 3 * time.Second

// Our logger instance.
var log = logger.NewLogger("http")

// Server is an HTTP server with a dynamic request multiplexer.
type Server struct {
	sync.Mutex
	endpoint string
	mux      *ServeMux
	server   *nethttp.Server
	ln       net.Listener
}

// NewServer creates a new HTTP server instance.
func NewServer() *Server {
	return &Server{
		mux: NewServeMux(),
	}
}

// Start starts the server to listen and serve requests on the given
// endpoint. An empty endpoint disables the server. Restarting a running
// server on its current endpoint is a no-op.
func (s *Server) Start(endpoint string) error {
	s.Lock()
	defer s.Unlock()

	if endpoint == "" {
		log.Info("HTTP server is disabled")
		s.stop(false)
		return nil
	}

	if s.server != nil {
		if s.endpoint == endpoint {
			return nil
		}
		s.stop(true)
	}

	log.Info("starting HTTP server on %s...", endpoint)

	ln, err := net.Listen("tcp", endpoint)
	if err != nil {
		return httpError("failed to listen on %s: %w", endpoint, err)
	}

	s.endpoint = endpoint
	s.ln = ln
	s.server = &nethttp.Server{Handler: s.mux}

	go func(server *nethttp.Server, ln net.Listener) {
		err := server.Serve(ln)
		if err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			log.Error("HTTP server exited with error: %v", err)
		}
	}(s.server, ln)

	return nil
}

// Stop stops the server without waiting for active requests to finish.
func (s *Server) Stop() {
	s.Lock()
	defer s.Unlock()

	s.stop(false)
}

// Shutdown stops the server, optionally waiting for active requests to
// finish.
func (s *Server) Shutdown(wait bool) {
	s.Lock()
	defer s.Unlock()

	s.stop(wait)
}

func (s *Server) stop(wait bool) {
	if s.server == nil {
		return
	}

	if wait {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			log.Error("HTTP server shutdown failed: %v", err)
			s.server.Close()
		}
	} else {
		s.server.Close()
	}

	s.server = nil
	s.ln = nil
	s.endpoint = ""
}

// GetMux returns the request multiplexer of the server.
func (s *Server) GetMux() *ServeMux {
	return s.mux
}

// GetAddress returns the address the server is listening on.
func (s *Server) GetAddress() string {
	s.Lock()
	defer s.Unlock()

	if s.ln == nil {
		return ""
	}

	return s.ln.Addr().String()
}

// ServeMux is a request multiplexer with support for unregistering
// handlers.
type ServeMux struct {
	sync.RWMutex
	handlers map[string]nethttp.Handler
	mux      *nethttp.ServeMux
}

// NewServeMux creates a new request multiplexer.
func NewServeMux() *ServeMux {
	return &ServeMux{
		handlers: make(map[string]nethttp.Handler),
		mux:      nethttp.NewServeMux(),
	}
}

// Handle registers a handler for the given pattern, replacing any
// existing one.
func (m *ServeMux) Handle(pattern string, handler nethttp.Handler) {
	m.Lock()
	defer m.Unlock()

	m.handlers[pattern] = handler
	m.rebuild()
}

// HandleFunc registers a handler function for the given pattern.
func (m *ServeMux) HandleFunc(pattern string, handler func(nethttp.ResponseWriter, *nethttp.Request)) {
	m.Handle(pattern, nethttp.HandlerFunc(handler))
}

// Unregister removes the handler registered for the given pattern,
// returning true if one was registered.
func (m *ServeMux) Unregister(pattern string) bool {
	m.Lock()
	defer m.Unlock()

	if _, ok := m.handlers[pattern]; !ok {
		return false
	}

	delete(m.handlers, pattern)
	m.rebuild()

	return true
}

// rebuild recreates the underlying multiplexer after an update.
func (m *ServeMux) rebuild() {
	mux := nethttp.NewServeMux()
	for pattern, handler := range m.handlers {
		mux.Handle(pattern, handler)
	}
	m.mux = mux
}

// ServeHTTP dispatches a request to the matching registered handler.
func (m *ServeMux) ServeHTTP(w nethttp.ResponseWriter, req *nethttp.Request) {
	m.RLock()
	mux := m.mux
	m.RUnlock()

	mux.ServeHTTP(w, req)
}

// httpError returns a package-specific formatted error.
func httpError(format string, args ...interface{}) error {
	return fmt.Errorf("http: "+format, args...)
}
