package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/ligmir/ligship/internal/errs"
	"github.com/ligmir/ligship/internal/metrics"
	"github.com/ligmir/ligship/internal/paths"
	"github.com/ligmir/ligship/internal/pipeline"
	"github.com/ligmir/ligship/internal/protocol"
)

const (

	// Group name used to grant socket access. Members of this group can
	// connect to the daemon socket without owning the process.
	socketGroup = "ligship"

	// File mode applied to the Unix socket. Owner and group get read-write
	// (required for connect); others get no access.
	socketMode = 0660

	// Time allowed for the metrics listener to drain on shutdown.
	metricsShutdownTimeout = 5 * time.Second
)

// Executes pipeline runs.
type Runner interface {
	Run(ctx context.Context, cfg pipeline.RunConfig) (*pipeline.Result, error)
}

// Holds server configuration.
type Config struct {
	SocketPath  string             // Override for the Unix socket path. Empty uses the default.
	PIDFile     string             // Override for the PID file path. Empty uses the default.
	MetricsAddr string             // TCP address for the metrics endpoint. Empty disables it.
	Runner      Runner             // Executes run commands.
	Base        pipeline.RunConfig // Run configuration that requests override.
	Close       func() error       // Releases the runner's resources on shutdown. Optional.
}

// Listens on a Unix domain socket and dispatches commands.
type Server struct {
	socketPath  string             // Path to the Unix socket file.
	pidFile     string             // Path to the PID file.
	metricsAddr string             // Address of the metrics endpoint.
	runner      Runner             // Pipeline executing runs.
	base        pipeline.RunConfig // Base run configuration.
	closeRunner func() error       // Releases runner resources.
	listener    net.Listener       // Listener for incoming connections.
	metricsSrv  *http.Server       // Metrics endpoint, if enabled.
	startedAt   time.Time          // Timestamp when the server started.
	runs        int                // Total number of run commands processed.
	active      int                // Run commands in progress.
	done        chan struct{}      // Channel to signal server shutdown.
	stopOnce    sync.Once          // Guards shutdown.
	mu          sync.Mutex         // Mutex to protect shared state.
}

// Creates a new server instance.
//
// The socket is not opened until [Start] is called.
func New(cfg Config) (*Server, error) {
	if cfg.Runner == nil {
		return nil, errs.Wrapf(ErrServer, "no runner")
	}

	socketPath := cfg.SocketPath
	if socketPath == "" {
		socketPath = paths.Socket()
	}

	pidFile := cfg.PIDFile
	if pidFile == "" {
		pidFile = paths.PIDFile()
	}

	return &Server{
		socketPath:  socketPath,
		pidFile:     pidFile,
		metricsAddr: cfg.MetricsAddr,
		runner:      cfg.Runner,
		base:        cfg.Base,
		closeRunner: cfg.Close,
		done:        make(chan struct{}),
	}, nil
}

// Opens the Unix socket and begins accepting connections.
func (s *Server) Start() error {
	listener, err := listen(s.socketPath)
	if err != nil {
		return err
	}

	s.listener = listener
	s.startedAt = time.Now()

	if err := s.writePID(); err != nil {
		slog.Warn("failed to write PID file", "error", err)
	}

	if s.metricsAddr != "" {
		if err := s.serveMetrics(); err != nil {
			listener.Close()
			return err
		}
	}

	slog.Info("server listening on socket", "path", s.socketPath)

	go s.accept()
	return nil
}

// Creates the Unix socket listener, removes any stale socket from a previous
// run, and applies permissions.
func listen(socketPath string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), paths.DefaultDirMode); err != nil {
		return nil, errs.Wrap(ErrServer, err)
	}

	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, errs.Wrapf(ErrServer, "failed to listen on %s: %w", socketPath, err)
	}

	if err := setSocketPermissions(socketPath); err != nil {
		listener.Close()
		return nil, err
	}

	return listener, nil
}

// Restricts socket access to owner and group. Any user in the ligship group
// can also connect.
func setSocketPermissions(socketPath string) error {
	if err := os.Chmod(socketPath, socketMode); err != nil {
		return errs.Wrapf(ErrServer, "failed to chmod socket %s: %w", socketPath, err)
	}

	if g, err := user.LookupGroup(socketGroup); err == nil {
		if gid, err := strconv.Atoi(g.Gid); err == nil {
			if err := os.Chown(socketPath, -1, gid); err != nil {
				slog.Warn("failed to chgrp socket", "group", socketGroup, "error", err)
			}
		}
	} else {
		slog.Debug("socket group not found, socket accessible to owner only", "group", socketGroup)
	}

	return nil
}

// Starts the metrics HTTP listener.
func (s *Server) serveMetrics() error {
	l, err := net.Listen("tcp", s.metricsAddr)
	if err != nil {
		return errs.Wrapf(ErrServer, "failed to listen on %s: %w", s.metricsAddr, err)
	}

	metrics.RegisterMetrics()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	s.metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	slog.Info("serving metrics", "addr", l.Addr().String())

	go func() {
		if err := s.metricsSrv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "error", err)
		}
	}()
	return nil
}

// Shuts down the server and cleans up resources. Safe to call more than
// once.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.done)

		if s.listener != nil {
			s.listener.Close()
		}

		if s.metricsSrv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			s.metricsSrv.Shutdown(ctx)
			cancel()
		}

		if s.closeRunner != nil {
			err = s.closeRunner()
		}

		os.Remove(s.socketPath)
		os.Remove(s.pidFile)
	})
	return err
}

// Blocks until the server stops.
func (s *Server) Wait() {
	<-s.done
}

// Accepts connections in a loop until the server shuts down.
func (s *Server) accept() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				slog.Error("accept error", "error", err)
				continue
			}
		}

		go s.handle(conn)
	}
}

// Processes a single connection.
//
// Reads one newline-delimited JSON message, dispatches the command, and
// writes the response. The connection is closed after one exchange.
func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)

	line, err := reader.ReadBytes('\n')
	if err != nil {
		slog.Error("read error", "error", err)
		return
	}

	env, payload, err := protocol.Decode(line)
	if err != nil {
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{Message: err.Error()})
		return
	}

	slog.Info("command received", "command", env.Command)

	ctx, cancel := contextWithDisconnect(context.Background(), reader)
	defer cancel()

	s.dispatch(ctx, conn, env.Command, payload)
}

// Routes a command to the appropriate handler.
func (s *Server) dispatch(ctx context.Context, conn net.Conn, cmd protocol.Command, payload json.RawMessage) {
	switch cmd {
	case protocol.CmdRun:
		s.handleRun(ctx, conn, payload)
	case protocol.CmdStatus:
		s.handleStatus(conn)
	case protocol.CmdShutdown:
		s.handleShutdown(conn)
	default:
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{
			Message: fmt.Sprintf("unknown command: %s", cmd),
		})
	}
}

// Writes a JSON envelope response to the connection.
func (s *Server) respond(conn net.Conn, cmd protocol.Command, payload any) {
	data, err := protocol.Encode(cmd, payload)
	if err != nil {
		slog.Error("encode response failed", "error", err)
		return
	}
	data = append(data, '\n')
	conn.Write(data)
}

// Writes the daemon PID to the PID file so the CLI can detect whether the
// daemon is already running and send it signals.
func (s *Server) writePID() error {
	if err := os.MkdirAll(filepath.Dir(s.pidFile), paths.DefaultDirMode); err != nil {
		return err
	}
	return os.WriteFile(s.pidFile, []byte(strconv.Itoa(os.Getpid())), paths.DefaultFileMode)
}

// Returns a derived context that is cancelled when the remote end of the
// connection closes.
//
// Detection works by reading from r in a background goroutine. The read blocks
// until the peer closes the connection, at which point it returns an error and
// the derived context is cancelled. The caller must ensure that no further data
// is expected on r for the lifetime of the returned context. If data arrives
// unexpectedly, it will be discarded and the context will be cancelled
// prematurely. The returned [context.CancelFunc] must always be called to
// release resources, even if the connection closes on its own.
func contextWithDisconnect(parent context.Context, r io.Reader) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	go func() {
		buf := make([]byte, 1)
		r.Read(buf)
		cancel()
	}()

	return ctx, cancel
}
