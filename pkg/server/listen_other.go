//go:build !linux

package server

import "go.uber.org/zap"

// logListenBacklog logs the listen address (non-Linux systems)
func logListenBacklog(log *zap.Logger, addr string) {
	log.Info("chat server listening", zap.String("addr", addr))
}

// monitorListenOverflows is a no-op on non-Linux systems
func (s *Server) monitorListenOverflows() {}
