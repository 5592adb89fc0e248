package cli

import (
	"context"
	"log/slog"

	"github.com/ligmir/ligship/internal/server"
)

// Represents the 'ligship serve' command.
type ServeCmd struct {
	MetricsAddr string `help:"Serve Prometheus metrics on this address." placeholder:"ADDR"`
}

// Executes the serve command.
//
// Starts the daemon on a Unix domain socket and blocks until the context is
// cancelled (e.g. via SIGINT or SIGTERM) or a client requests shutdown.
func (c *ServeCmd) Run(ctx context.Context) error {
	s, err := loadSettings()
	if err != nil {
		return err
	}

	if c.MetricsAddr != "" {
		s.Daemon.MetricsAddr = c.MetricsAddr
	}

	p, closer, err := openPipeline(s)
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		SocketPath:  s.Daemon.Socket,
		MetricsAddr: s.Daemon.MetricsAddr,
		Runner:      p,
		Base:        s.RunConfig(),
		Close:       closer,
	})
	if err != nil {
		closer()
		return err
	}

	if err := srv.Start(); err != nil {
		closer()
		return err
	}

	slog.Info("ligship is running")

	select {
	case <-ctx.Done():
	case <-waitFor(srv):
	}

	slog.Info("shutting down")
	return srv.Stop()
}

// Returns a channel closed when the server stops.
func waitFor(srv *server.Server) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		srv.Wait()
		close(done)
	}()
	return done
}
