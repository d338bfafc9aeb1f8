// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ctlplane carries infos and commands between the interception core
// and the user-space policy process over a Unix socket.
package ctlplane

import (
	"context"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"

	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/logging"
	"grimm.is/flowguard/internal/protocol"
)

// CommandHandler consumes commands decoded from the policy process.
type CommandHandler interface {
	HandleCommand(cmd protocol.Command) error
}

// CommandHandlerFunc adapts a function to CommandHandler.
type CommandHandlerFunc func(cmd protocol.Command) error

// HandleCommand calls f(cmd).
func (f CommandHandlerFunc) HandleCommand(cmd protocol.Command) error { return f(cmd) }

type session struct {
	id     string
	conn   net.Conn
	cancel context.CancelFunc
}

// Server accepts one policy client at a time. Infos are drained from the queue
// onto the active connection; commands read from it go to the handler.
type Server struct {
	socketPath string
	queue      *Queue
	handler    CommandHandler
	logger     *logging.Logger

	mu       sync.Mutex
	listener net.Listener
	active   *session
	wg       sync.WaitGroup
}

// NewServer creates a server. Start or StartWithListener begins accepting.
func NewServer(socketPath string, queue *Queue, handler CommandHandler, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.WithComponent("ctlplane")
	}
	return &Server{
		socketPath: socketPath,
		queue:      queue,
		handler:    handler,
		logger:     logger,
	}
}

// Start listens on the configured Unix socket.
func (s *Server) Start() error {
	// A stale socket from a previous run would make Listen fail.
	os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "failed to listen on %s", s.socketPath)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		listener.Close()
		return errors.Wrapf(err, errors.KindInternal, "failed to set socket permissions on %s", s.socketPath)
	}
	return s.StartWithListener(listener)
}

// StartWithListener serves on an existing listener.
func (s *Server) StartWithListener(listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("control plane listening", "addr", listener.Addr().String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					s.logger.Error("accept failed", "error", err)
				}
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.serve(conn)
			}()
		}
	}()
	return nil
}

// SessionID returns the id of the connected policy client, or "".
func (s *Server) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return ""
	}
	return s.active.id
}

func (s *Server) attach(conn net.Conn) (*session, context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return nil, nil, false
	}
	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{id: uuid.NewString(), conn: conn, cancel: cancel}
	s.active = sess
	return sess, ctx, true
}

func (s *Server) detach(sess *session) {
	s.mu.Lock()
	if s.active == sess {
		s.active = nil
	}
	s.mu.Unlock()
}

func (s *Server) serve(conn net.Conn) {
	sess, ctx, ok := s.attach(conn)
	if !ok {
		s.logger.Warn("rejecting policy client, another session is active")
		conn.Close()
		return
	}
	log := s.logger.With("session", sess.id)
	log.Info("policy client connected")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer sess.cancel()
		s.writeLoop(ctx, conn, log)
	}()

	s.readLoop(conn, log)
	sess.cancel()
	conn.Close()
	wg.Wait()

	s.detach(sess)
	log.Info("policy client disconnected")
}

func (s *Server) writeLoop(ctx context.Context, conn net.Conn, log *logging.Logger) {
	for {
		info, err := s.queue.Pop(ctx)
		if err != nil {
			if errors.Is(err, ErrQueueClosed) {
				// Unblock the reader so the session ends.
				conn.Close()
			}
			return
		}
		if err := protocol.WriteInfo(conn, info); err != nil {
			log.Warn("failed to write info", "type", info.InfoType().String(), "error", err)
			conn.Close()
			return
		}
	}
}

func (s *Server) readLoop(conn net.Conn, log *logging.Logger) {
	for {
		cmd, err := protocol.ReadCommand(conn)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownType) {
				log.Warn("ignoring unknown command", "error", err)
				continue
			}
			if !errors.Is(err, net.ErrClosed) && !isEOF(err) {
				log.Warn("failed to read command", "error", err)
			}
			return
		}
		if err := s.handler.HandleCommand(cmd); err != nil {
			log.Warn("command failed", "command", cmd.CommandType().String(), "error", err)
		}
	}
}

// Close stops accepting, disconnects the active client and waits for every
// connection goroutine.
func (s *Server) Close() error {
	s.mu.Lock()
	l := s.listener
	sess := s.active
	s.mu.Unlock()

	var err error
	if l != nil {
		err = l.Close()
	}
	if sess != nil {
		sess.cancel()
		sess.conn.Close()
	}
	s.wg.Wait()
	return err
}
