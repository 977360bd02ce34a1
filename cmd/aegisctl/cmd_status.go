package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd, stopCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gateway health and version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var health map[string]string
		if err := adminRequest("GET", "/health", nil, &health); err != nil {
			return err
		}
		var version map[string]string
		if err := adminRequest("GET", "/version", nil, &version); err != nil {
			return err
		}
		var sessions map[string]int
		if err := adminRequest("GET", "/admin/v1/sessions", nil, &sessions); err != nil {
			return err
		}

		fmt.Fprintf(os.Stdout, "Status:        %s\n", health["status"])
		fmt.Fprintf(os.Stdout, "Version:       %s\n", version["version"])
		fmt.Fprintf(os.Stdout, "Live sessions: %d\n", sessions["live_sessions"])
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the local gateway daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := readPID()
		if err != nil {
			return err
		}

		proc, err := os.FindProcess(pid)
		if err != nil {
			return fmt.Errorf("find process: %w", err)
		}
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			return fmt.Errorf("send SIGTERM: %w", err)
		}

		fmt.Fprintf(os.Stdout, "Sent SIGTERM to gateway (PID %d).\n", pid)
		return nil
	},
}

// readPID reads the gateway's PID file and validates the process exists by
// sending signal 0.
func readPID() (int, error) {
	pidPath := os.Getenv("AEGISGATE_PID_FILE")
	if pidPath == "" {
		pidPath = filepath.Join(os.TempDir(), "aegisgate.pid")
	}

	data, err := os.ReadFile(pidPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("no running gateway (PID file not found at %s)", pidPath)
		}
		return 0, fmt.Errorf("read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file content: %w", err)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return 0, fmt.Errorf("no running gateway (process %d not found)", pid)
	}

	return pid, nil
}
