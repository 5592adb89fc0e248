// Package protocol defines the messages exchanged over the daemon socket.
//
// Each connection carries one exchange: the client writes a single
// newline-terminated JSON [Envelope] and the daemon answers with one
// envelope before closing the connection.
//
//	{"command":"run","payload":{"variant":"scratch","push":true}}
//	{"command":"ok","payload":{"run_id":"...","state":"done"}}
package protocol

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/ligmir/ligship/internal/errs"
)

// A daemon command or response kind.
type Command string

const (
	CmdRun      Command = "run"      // Execute a pipeline run.
	CmdStatus   Command = "status"   // Report daemon status.
	CmdShutdown Command = "shutdown" // Stop the daemon.
	CmdOK       Command = "ok"       // Successful response.
	CmdError    Command = "error"    // Failed response carrying [ErrorResult].
)

// Wire message.
type Envelope struct {
	Command Command         `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Payload of [CmdRun].
type RunRequest struct {
	Commit  string `json:"commit,omitempty"`
	Source  string `json:"source,omitempty"`
	Variant string `json:"variant,omitempty"`
	Push    *bool  `json:"push,omitempty"` // Nil keeps the daemon's setting.
	Output  string `json:"output,omitempty"`
}

// Response payload of [CmdRun].
type RunResult struct {
	RunID    string   `json:"run_id"`
	State    string   `json:"state"`
	Commit   string   `json:"commit,omitempty"`
	Refs     []string `json:"refs,omitempty"`
	Digest   string   `json:"digest,omitempty"`
	CacheHit bool     `json:"cache_hit"`
}

// Response payload of [CmdStatus].
type StatusResult struct {
	Running bool   `json:"running"`
	Version string `json:"version"`
	Pid     int    `json:"pid"`
	Uptime  string `json:"uptime"`
	Runs    int    `json:"runs"`   // Runs completed since start.
	Active  int    `json:"active"` // Runs in progress.
}

// Payload of [CmdError].
type ErrorResult struct {
	Message string     `json:"message"`
	Run     *RunResult `json:"run,omitempty"` // Partial outcome of a failed run.
}

// Encodes an envelope. A nil payload is omitted.
func Encode(cmd Command, payload any) ([]byte, error) {
	env := Envelope{Command: cmd}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, errs.Wrap(ErrProtocol, err)
		}
		env.Payload = data
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, errs.Wrap(ErrProtocol, err)
	}
	return data, nil
}

// Decodes one envelope line.
func Decode(line []byte) (*Envelope, json.RawMessage, error) {
	var env Envelope
	if err := json.Unmarshal(bytes.TrimSpace(line), &env); err != nil {
		return nil, nil, errs.Wrap(ErrProtocol, err)
	}
	if env.Command == "" {
		return nil, nil, errs.Wrapf(ErrProtocol, "missing command")
	}
	return &env, env.Payload, nil
}

// Decodes a payload into T. An empty payload yields the zero value.
func DecodePayload[T any](payload json.RawMessage) (*T, error) {
	var v T
	if len(payload) == 0 {
		return &v, nil
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, errs.Wrap(ErrProtocol, err)
	}
	return &v, nil
}

// Sends one command to the daemon at socketPath and decodes the response
// into result.
//
// An error response is returned as [ErrRemote] carrying the daemon's
// message, with the partial run outcome decoded into result when present.
func Call(ctx context.Context, socketPath string, cmd Command, payload, result any) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return errs.Wrapf(ErrProtocol, "connect %s: %w", socketPath, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	data, err := Encode(cmd, payload)
	if err != nil {
		return err
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return errs.Wrap(ErrProtocol, err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errs.Wrap(ErrProtocol, err)
	}

	env, body, err := Decode(line)
	if err != nil {
		return err
	}

	switch env.Command {
	case CmdOK:
		if result == nil || len(body) == 0 {
			return nil
		}
		if err := json.Unmarshal(body, result); err != nil {
			return errs.Wrap(ErrProtocol, err)
		}
		return nil
	case CmdError:
		res, err := DecodePayload[ErrorResult](body)
		if err != nil {
			return err
		}
		if res.Run != nil {
			if r, ok := result.(*RunResult); ok {
				*r = *res.Run
			}
		}
		return errs.Wrapf(ErrRemote, "%s", res.Message)
	default:
		return errs.Wrapf(ErrProtocol, "unexpected response %q", env.Command)
	}
}
