package protocol

import (
	"bufio"
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"
)

func TestEncodeDecode(t *testing.T) {
	push := false
	data, err := Encode(CmdRun, &RunRequest{Commit: "abc1234", Push: &push})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	env, payload, err := Decode(append(data, '\n'))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Command != CmdRun {
		t.Fatalf("Command = %q, want %q", env.Command, CmdRun)
	}

	req, err := DecodePayload[RunRequest](payload)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if req.Commit != "abc1234" || req.Push == nil || *req.Push {
		t.Fatalf("request = %+v", req)
	}
}

func TestEncodeNilPayload(t *testing.T) {
	data, err := Encode(CmdStatus, nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"command":"status"}` {
		t.Fatalf("Encode = %s", data)
	}
}

func TestDecodeErrors(t *testing.T) {
	for _, line := range []string{"", "not json", `{"payload":{}}`} {
		if _, _, err := Decode([]byte(line)); !errors.Is(err, ErrProtocol) {
			t.Errorf("Decode(%q) = %v, want %v", line, err, ErrProtocol)
		}
	}
	if _, err := DecodePayload[RunRequest]([]byte(`{"commit": 7}`)); !errors.Is(err, ErrProtocol) {
		t.Errorf("DecodePayload type mismatch = %v, want %v", err, ErrProtocol)
	}
	if req, err := DecodePayload[RunRequest](nil); err != nil || req == nil {
		t.Errorf("DecodePayload(nil) = %v, %v", req, err)
	}
}

// Serves one connection with a fixed response.
func serveOnce(t *testing.T, cmd Command, payload any) (string, <-chan Command) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "d.sock")
	l, err := net.Listen("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })

	got := make(chan Command, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		line, err := bufio.NewReader(conn).ReadBytes('\n')
		if err != nil {
			return
		}
		env, _, err := Decode(line)
		if err != nil {
			return
		}
		got <- env.Command
		if cmd == "" {
			time.Sleep(time.Second)
			return
		}
		data, _ := Encode(cmd, payload)
		conn.Write(append(data, '\n'))
	}()
	return path, got
}

func TestCallOK(t *testing.T) {
	path, got := serveOnce(t, CmdOK, &StatusResult{Running: true, Pid: 42})

	var res StatusResult
	if err := Call(context.Background(), path, CmdStatus, nil, &res); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if <-got != CmdStatus {
		t.Fatal("daemon received the wrong command")
	}
	if !res.Running || res.Pid != 42 {
		t.Fatalf("result = %+v", res)
	}
}

func TestCallError(t *testing.T) {
	run := &RunResult{RunID: "r1", State: "failed"}
	path, _ := serveOnce(t, CmdError, &ErrorResult{Message: "build: compile failed", Run: run})

	var res RunResult
	err := Call(context.Background(), path, CmdRun, &RunRequest{}, &res)
	if !errors.Is(err, ErrRemote) {
		t.Fatalf("Call = %v, want %v", err, ErrRemote)
	}
	if err.Error() != "daemon error: build: compile failed" {
		t.Errorf("message = %q", err.Error())
	}
	if res.RunID != "r1" || res.State != "failed" {
		t.Errorf("partial result = %+v", res)
	}
}

func TestCallNoDaemon(t *testing.T) {
	err := Call(context.Background(), filepath.Join(t.TempDir(), "none.sock"), CmdStatus, nil, nil)
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("Call = %v, want %v", err, ErrProtocol)
	}
}

func TestCallCancelled(t *testing.T) {
	path, _ := serveOnce(t, "", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := Call(ctx, path, CmdStatus, nil, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Call = %v, want %v", err, context.DeadlineExceeded)
	}
}
