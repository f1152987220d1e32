package eventsocket

import (
	"bufio"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startOutboundServer runs an accept loop on an ephemeral port that hands
// each connection to serveOutboundConn, and returns the listening address.
func startOutboundServer(t *testing.T, handler HandlerFunc, opts ...Option) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	ready := make(chan struct{})
	go func() {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return
		}
		close(ready)
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go serveOutboundConn(conn, handler, applyOptions(opts))
		}
	}()
	<-ready
	return addr
}

func applyOptions(opts []Option) *config {
	cfg := defaultConfig()
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

func TestOutboundConnectLingerMyeventsHandshake(t *testing.T) {
	handlerCalled := make(chan map[string]string, 1)
	addr := startOutboundServer(t, func(c *Connection, chanData map[string]string) {
		handlerCalled <- chanData
		c.Disconnect()
	})

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()
	r := bufio.NewReader(conn)

	cmd, err := readCommandLine(r)
	require.NoError(t, err)
	assert.Equal(t, "connect", cmd)
	fmt.Fprint(conn, "Content-Type: command/reply\r\nReply-Text: +OK\r\nUnique-ID: call-1\r\nCaller-Destination-Number: 1000\r\n\r\n")

	cmd, err = readCommandLine(r)
	require.NoError(t, err)
	assert.Equal(t, "linger", cmd)
	fmt.Fprint(conn, "Content-Type: command/reply\r\nReply-Text: +OK\r\n\r\n")

	cmd, err = readCommandLine(r)
	require.NoError(t, err)
	assert.Equal(t, "myevents", cmd)
	fmt.Fprint(conn, "Content-Type: command/reply\r\nReply-Text: +OK\r\n\r\n")

	select {
	case chanData := <-handlerCalled:
		assert.Equal(t, "call-1", chanData[HeaderUniqueID])
		assert.Equal(t, "1000", chanData[HeaderCallerDestNumber])
	case <-time.After(2 * time.Second):
		t.Fatal("outbound handler was never invoked")
	}
}

func TestOutboundPreInitAndCustomInit(t *testing.T) {
	var preInitSeen map[string]string
	customInitRan := false

	handlerCalled := make(chan struct{}, 1)
	addr := startOutboundServer(t, func(c *Connection, chanData map[string]string) {
		close(handlerCalled)
	},
		WithPreInitFunc(func(c *Connection, chanData map[string]string) {
			preInitSeen = chanData
		}),
		WithCustomInitFunc(func(c *Connection, chanData map[string]string) error {
			customInitRan = true
			return nil
		}),
	)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()
	r := bufio.NewReader(conn)

	cmd, err := readCommandLine(r)
	require.NoError(t, err)
	assert.Equal(t, "connect", cmd)
	fmt.Fprint(conn, "Content-Type: command/reply\r\nReply-Text: +OK\r\nUnique-ID: call-2\r\n\r\n")

	select {
	case <-handlerCalled:
	case <-time.After(2 * time.Second):
		t.Fatal("outbound handler was never invoked")
	}

	assert.Equal(t, "call-2", preInitSeen[HeaderUniqueID])
	assert.True(t, customInitRan)
}
