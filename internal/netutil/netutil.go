// Package netutil holds small networking helpers shared by the binaries.
package netutil

import "net"

// ExtractIP returns the local machine's outbound IP address. It opens a UDP
// socket toward an unroutable address, which sends no traffic, and reads the
// chosen source address back. Falls back to loopback when that fails.
func ExtractIP() net.IP {
	conn, err := net.Dial("udp", "10.255.255.255:1")
	if err != nil {
		return net.IPv4(127, 0, 0, 1)
	}
	defer conn.Close()

	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP
	}
	return net.IPv4(127, 0, 0, 1)
}
