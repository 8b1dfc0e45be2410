package net

import (
	"fmt"
	"net"
)

// ListenEphemeral listens on an auto-assigned loopback TCP port and returns the listener along with the port.
func ListenEphemeral() (net.Listener, int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, 0, fmt.Errorf("resolving 127.0.0.1:0: %w", err)
	}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return nil, 0, fmt.Errorf("listening to acquire port: %w", err)
	}
	return listener, listener.Addr().(*net.TCPAddr).Port, nil
}
