//go:build windows

package daemon

import "net"

// listenEndpoint is a degraded stand-in for a `\\.\pipe\runtimed` named
// pipe on Windows: the dependency pack carries no named-pipe library
// (e.g. microsoft/go-winio), so this binds a loopback TCP port instead.
// See DESIGN.md for the justification; the endpoint string recorded in
// daemon.json is the listener's actual address rather than a pipe path.
func listenEndpoint(path string) (net.Listener, error) {
	return net.Listen("tcp", "127.0.0.1:0")
}

func removeEndpoint(path string) {}
