// Package server implements the ligship daemon.
//
// The daemon listens on a Unix domain socket for JSON-encoded commands from
// the ligship CLI. Each connection carries a single request-response
// exchange: the client sends a newline-delimited JSON envelope, the server
// dispatches the command, and writes the result back before closing the
// connection.
//
// Supported commands are run, status, and shutdown. Run commands are
// delegated to the pipeline; independent runs execute concurrently, one per
// connection. A client that disconnects cancels its run.
//
// When a metrics address is configured, Prometheus metrics are served over
// HTTP at /metrics.
//
// Example usage:
//
//	srv, err := server.New(server.Config{
//	    SocketPath: paths.Socket(),
//	    Runner:     p,
//	    Base:       settings.RunConfig(),
//	})
//	if err != nil {
//	    return err
//	}
//
//	if err := srv.Start(); err != nil {
//	    return err
//	}
//	defer srv.Stop()
//
//	srv.Wait()
package server
