package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/ligmir/ligship/internal"
	"github.com/ligmir/ligship/internal/pipeline"
	"github.com/ligmir/ligship/internal/protocol"
	"github.com/ligmir/ligship/internal/recipe"
)

// Handles a run command.
//
// The request overrides the daemon's base run configuration. The run is
// cancelled if the client disconnects.
func (s *Server) handleRun(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.RunRequest](payload)
	if err != nil {
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{Message: err.Error()})
		return
	}

	cfg := s.runConfig(req)

	s.mu.Lock()
	s.active++
	s.mu.Unlock()

	res, err := s.runner.Run(ctx, cfg)

	s.mu.Lock()
	s.active--
	s.runs++
	s.mu.Unlock()

	if err != nil {
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{
			Message: err.Error(),
			Run:     runResult(res),
		})
		return
	}

	s.respond(conn, protocol.CmdOK, runResult(res))
}

// Applies a run request to the base configuration.
func (s *Server) runConfig(req *protocol.RunRequest) pipeline.RunConfig {
	cfg := s.base
	if req.Commit != "" {
		cfg.Commit = req.Commit
	}
	if req.Source != "" {
		cfg.Source = req.Source
	}
	if req.Variant != "" {
		cfg.Variant = recipe.Variant(req.Variant)
	}
	if req.Push != nil {
		cfg.Push = *req.Push
	}
	if req.Output != "" {
		cfg.Output = req.Output
	}
	return cfg
}

// Converts a pipeline result to its wire form. Returns nil for nil.
func runResult(res *pipeline.Result) *protocol.RunResult {
	if res == nil {
		return nil
	}
	return &protocol.RunResult{
		RunID:    res.RunID,
		State:    string(res.State),
		Commit:   res.Commit,
		Refs:     res.Refs,
		Digest:   res.Digest.String(),
		CacheHit: res.CacheHit,
	}
}

// Handles a status command.
func (s *Server) handleStatus(conn net.Conn) {
	s.mu.Lock()
	runs, active := s.runs, s.active
	s.mu.Unlock()

	uptime := time.Since(s.startedAt).Truncate(time.Second)

	s.respond(conn, protocol.CmdOK, &protocol.StatusResult{
		Running: true,
		Version: internal.VersionString(),
		Pid:     os.Getpid(),
		Uptime:  uptime.String(),
		Runs:    runs,
		Active:  active,
	})
}

// Handles a shutdown command.
func (s *Server) handleShutdown(conn net.Conn) {
	s.respond(conn, protocol.CmdOK, nil)
	slog.Info("shutdown requested")

	go func() {
		s.Stop()
	}()
}
