package eventsocket

import (
	"bufio"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// startFakeServer runs handle against the single connection accepted on an
// ephemeral loopback listener, returning the address to dial.
func startFakeServer(t *testing.T, handle func(net.Conn)) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		handle(conn)
	}()
	return ln.Addr().String()
}

// readFrame reads one client-sent command frame: a bare command line
// followed by zero or more "Key: Value" header lines and a blank line.
func readFrame(r *bufio.Reader) (cmdLine string, headers map[string]string, err error) {
	cmdLine, err = r.ReadString('\n')
	if err != nil {
		return "", nil, err
	}
	cmdLine = strings.TrimRight(cmdLine, "\r\n")
	headers = make(map[string]string)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return "", nil, err
		}
		if line == "\n" || line == "\r\n" {
			return cmdLine, headers, nil
		}
		line = strings.TrimRight(line, "\r\n")
		k, v, ok := strings.Cut(line, ":")
		if ok {
			headers[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
}

// readCommandLine is the single-line convenience form of readFrame, for
// fake-server steps that don't care about headers.
func readCommandLine(r *bufio.Reader) (string, error) {
	cmd, _, err := readFrame(r)
	return cmd, err
}
