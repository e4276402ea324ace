// Package server assembles the huddle service: one Service instance owns the
// registries, the broadcaster, and the dispatcher, and runs the HTTP listener
// that feeds them connections.
package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Service is the top-level instance. All shared state hangs off it and is
// passed by reference to the dispatcher and sessions; there are no package
// singletons.
type Service struct {
	cfg     Config
	metrics *Metrics

	registry    *Registry
	rooms       *RoomManager
	broadcaster *Broadcaster
	dispatcher  *Dispatcher
	origins     *originPolicy

	httpServer *http.Server
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// New builds a stopped service from cfg.
func New(cfg Config) *Service {
	cfg = cfg.Sanitize()
	metrics := NewMetrics()
	registry := NewRegistry(metrics)
	broadcaster := NewBroadcaster(registry, metrics)
	rooms := NewRoomManager(registry, broadcaster, cfg.DropEmptyRooms, metrics)
	dispatcher := NewDispatcher(registry, rooms, broadcaster, cfg.QueueCapacity, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:         cfg,
		metrics:     metrics,
		registry:    registry,
		rooms:       rooms,
		broadcaster: broadcaster,
		dispatcher:  dispatcher,
		origins:     newOriginPolicy(cfg.AllowedOrigins),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// StartDispatcher launches the dispatch goroutine. Separated from Start so
// tests can run the core without an HTTP listener.
func (s *Service) StartDispatcher() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.dispatcher.Run(s.ctx)
	}()
	log.Println("Dispatcher started and draining the event queue")
}

// Start launches the dispatcher and serves HTTP on the configured address.
// It blocks until the listener stops; a graceful Shutdown is not an error.
func (s *Service) Start() error {
	s.StartDispatcher()

	s.httpServer = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Printf("Server listening on %s", s.cfg.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// accept wraps an upgraded connection into a session, registers it, and
// starts its reader and ping pumps. The identifier is generated here and
// never reused for the life of the process.
func (s *Service) accept(conn wire, addr string) *Session {
	sess := newSession(uuid.New(), conn, addr, s.cfg, s.dispatcher.events)
	count := s.registry.Insert(sess)
	log.Printf("Client connected from %s. Total clients: %d", addr, count)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		sess.readLoop(s.ctx)
	}()
	go func() {
		defer s.wg.Done()
		sess.pingLoop()
	}()

	return sess
}

// Shutdown stops the listener, the dispatcher, and every live session, then
// waits for the pumps to drain or the timeout to pass.
func (s *Service) Shutdown(timeout time.Duration) error {
	log.Println("Initiating shutdown...")

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}

	s.cancel()
	s.registry.CloseAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("Shutdown completed")
		return nil
	case <-time.After(timeout):
		log.Println("Shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
