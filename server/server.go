package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"securemsg/db"
	"securemsg/logger"
	"securemsg/secure"
)

type Server struct {
	db         *db.DB
	config     *ServerConfig
	params     *secure.Params
	log        *logger.Logger
	dispatcher *Dispatcher

	mu       sync.RWMutex
	sessions map[*Session]struct{}
	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type ServerConfig struct {
	Addr         string
	MaxClients   int
	SyncInterval time.Duration
}

func New(database *db.DB, params *secure.Params, config *ServerConfig, log *logger.Logger) *Server {
	if config.MaxClients < 1 {
		config.MaxClients = 1
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = 500 * time.Millisecond
	}
	if log == nil {
		log = logger.Discard()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		db:         database,
		config:     config,
		params:     params,
		log:        log,
		dispatcher: NewDispatcher(config.MaxClients),
		sessions:   make(map[*Session]struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Serve runs the accept loop on listener. It returns nil after Shutdown.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	defer listener.Close()

	s.log.Info("server: starts on %s with %d slots", listener.Addr(), s.dispatcher.Size())

	for {
		slot, err := s.dispatcher.Acquire(s.ctx)
		if err != nil {
			return nil
		}
		if s.ctx.Err() != nil {
			s.dispatcher.Release(slot)
			return nil
		}

		conn, err := listener.Accept()
		if err != nil {
			s.dispatcher.Release(slot)
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Error("server: accept fails: %v", err)
			continue
		}
		if s.ctx.Err() != nil {
			conn.Close()
			s.dispatcher.Release(slot)
			return nil
		}

		s.log.Info("server: slot %d/%d establishes connection with %s",
			slot.ID, s.dispatcher.Size()-1, conn.RemoteAddr())

		s.wg.Add(1)
		go s.handleConnection(slot, conn)
	}
}

// Addr returns the listening address once Serve has started.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) handleConnection(slot *Slot, conn net.Conn) {
	defer s.wg.Done()
	defer s.dispatcher.Release(slot)
	defer conn.Close()

	session := newSession(s, slot, conn)
	s.addSession(session)
	defer s.removeSession(session)

	err := session.run(s.ctx)
	session.logExit(err)

	s.log.Info("server: slot %d/%d disconnects", slot.ID, s.dispatcher.Size()-1)
}

// Shutdown stops accepting, closes every live connection and waits for the
// session workers to return.
func (s *Server) Shutdown() {
	s.cancel()

	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	for session := range s.sessions {
		session.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("server: stopped")
}

func (s *Server) addSession(session *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session] = struct{}{}
}

func (s *Server) removeSession(session *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, session)
}

func (s *Server) setUsername(session *Session, username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session.username = username
}

// GetStats returns server statistics as a formatted string
func (s *Server) GetStats() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var users []string
	for session := range s.sessions {
		if session.username != "" {
			users = append(users, session.username)
		}
	}
	sort.Strings(users)

	// the accept loop holds one slot while it waits, so count live sessions
	return fmt.Sprintf("slots=%d/%d,users=%s",
		len(s.sessions), s.dispatcher.Size(), strings.Join(users, ";"))
}
