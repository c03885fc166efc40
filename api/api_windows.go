//go:build windows
// +build windows

package api

import (
	"fmt"
	"net"

	"github.com/Microsoft/go-winio"

	"github.com/norootfw/norootfw/logger"
)

// createSocketListener creates a Windows named pipe listener
func createSocketListener(pipePath string) (net.Listener, error) {
	// Ensure the pipe path has the correct format
	if pipePath[0] != '\\' {
		pipePath = `\\.\pipe\` + pipePath
	}

	// Administrators (BA) and the owner (OW) only
	config := &winio.PipeConfig{
		SecurityDescriptor: "D:P(A;;GA;;;BA)(A;;GA;;;OW)",
		MessageMode:        false,
		InputBufferSize:    4096,
		OutputBufferSize:   4096,
	}

	listener, err := winio.ListenPipe(pipePath, config)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on named pipe: %w", err)
	}

	logger.Debug("Created named pipe at %s", pipePath)
	return listener, nil
}

// cleanupSocket is a no-op on Windows as named pipes are automatically cleaned up
func cleanupSocket(pipePath string) {
	logger.Debug("Named pipe %s will be automatically cleaned up", pipePath)
}
