//go:build windows

package main

import "net"

// dialEndpoint mirrors daemon.listenEndpoint's Windows stand-in: the
// endpoint string is a loopback "host:port" address rather than a named
// pipe path (spec §4.L platform notes).
func dialEndpoint(endpoint string) (net.Conn, error) {
	return net.Dial("tcp", endpoint)
}
