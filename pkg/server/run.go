package server

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// Run starts all listeners and blocks until a shutdown signal.
func (s *Server) Run() error {
	defer func() { _ = s.history.Close() }()

	if s.cfg.GroupsFile != "" {
		if err := LoadGroupsFromYAML(s.cfg.GroupsFile, s.groups); err != nil {
			slog.Error("failed to load groups config", "err", err)
		}
	}

	// Listener bind failures are the only unrecoverable startup errors.
	if err := s.StartControl(); err != nil {
		return err
	}
	if err := s.StartSideChannel(); err != nil {
		return err
	}
	if err := s.StartMedia(); err != nil {
		return err
	}
	if err := s.StartHTTP(); err != nil {
		return err
	}

	slog.Info("chat server running",
		"control", s.cfg.ControlAddr,
		"side", s.cfg.SideAddr,
		"media", s.cfg.MediaAddr,
		"http", s.cfg.HTTPAddr,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down...")
	s.Shutdown()
	return nil
}

// Shutdown gracefully stops the server. Connected clients get a read
// error and tear their sessions down through the usual cleanup path.
func (s *Server) Shutdown() {
	s.cancel()
	if s.controlLn != nil {
		_ = s.controlLn.Close()
	}
	if s.sideLn != nil {
		_ = s.sideLn.Close()
	}
	if s.mediaConn != nil {
		_ = s.mediaConn.Close()
	}
	for _, sess := range s.sessions.All() {
		sess.Close()
	}
}
