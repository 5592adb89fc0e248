package cli

import (
	"context"
	"fmt"

	"github.com/ligmir/ligship/internal/protocol"
)

// Represents the 'ligship status' command.
type StatusCmd struct{}

// Executes the status command.
func (c *StatusCmd) Run(ctx context.Context) error {
	s, err := loadSettings()
	if err != nil {
		return err
	}

	var st protocol.StatusResult
	if err := protocol.Call(ctx, s.Daemon.Socket, protocol.CmdStatus, nil, &st); err != nil {
		return err
	}

	fmt.Printf("version: %s\n", st.Version)
	fmt.Printf("pid:     %d\n", st.Pid)
	fmt.Printf("uptime:  %s\n", st.Uptime)
	fmt.Printf("runs:    %d (%d active)\n", st.Runs, st.Active)
	return nil
}

// Represents the 'ligship stop' command.
type StopCmd struct{}

// Executes the stop command.
func (c *StopCmd) Run(ctx context.Context) error {
	s, err := loadSettings()
	if err != nil {
		return err
	}
	return protocol.Call(ctx, s.Daemon.Socket, protocol.CmdShutdown, nil, nil)
}
