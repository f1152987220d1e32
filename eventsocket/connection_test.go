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

func TestDialAuthSuccess(t *testing.T) {
	addr := startFakeServer(t, func(conn net.Conn) {
		defer conn.Close()
		fmt.Fprint(conn, "Content-Type: auth/request\r\n\r\n")
		r := bufio.NewReader(conn)
		_, _ = readCommandLine(r)
		fmt.Fprint(conn, "Content-Type: command/reply\r\nReply-Text: +OK accepted\r\n\r\n")
		time.Sleep(150 * time.Millisecond)
	})

	c, err := Dial(addr, "ClueCon", WithConnTimeout(time.Second))
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, ModeInbound, c.Mode())
}

func TestDialAuthFailure(t *testing.T) {
	addr := startFakeServer(t, func(conn net.Conn) {
		defer conn.Close()
		fmt.Fprint(conn, "Content-Type: auth/request\r\n\r\n")
		r := bufio.NewReader(conn)
		_, _ = readCommandLine(r)
		fmt.Fprint(conn, "Content-Type: command/reply\r\nReply-Text: -ERR invalid\r\n\r\n")
		time.Sleep(150 * time.Millisecond)
	})

	_, err := Dial(addr, "wrong", WithConnTimeout(time.Second))
	assert.ErrorIs(t, err, ErrAuthFailure)
}

func TestDialAuthRudeRejection(t *testing.T) {
	addr := startFakeServer(t, func(conn net.Conn) {
		defer conn.Close()
		fmt.Fprint(conn, "Content-Type: text/rude-rejection\r\n\r\n")
		time.Sleep(150 * time.Millisecond)
	})

	_, err := Dial(addr, "ClueCon", WithConnTimeout(time.Second))
	assert.ErrorIs(t, err, ErrAuthRejected)
}

func TestDialAuthTimeout(t *testing.T) {
	addr := startFakeServer(t, func(conn net.Conn) {
		defer conn.Close()
		time.Sleep(time.Second)
	})

	_, err := Dial(addr, "ClueCon", WithConnTimeout(50*time.Millisecond))
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestOnCloseCalledExactlyOnce(t *testing.T) {
	addr := startFakeServer(t, func(conn net.Conn) {
		defer conn.Close()
		fmt.Fprint(conn, "Content-Type: auth/request\r\n\r\n")
		r := bufio.NewReader(conn)
		_, _ = readCommandLine(r)
		fmt.Fprint(conn, "Content-Type: command/reply\r\nReply-Text: +OK accepted\r\n\r\n")
		time.Sleep(50 * time.Millisecond)
	})

	closeCount := 0
	done := make(chan struct{})
	c, err := Dial(addr, "ClueCon", WithConnTimeout(time.Second), WithOnClose(func(*Connection) {
		closeCount++
		close(done)
	}))
	require.NoError(t, err)

	<-done
	c.Close()
	c.Close()

	assert.Equal(t, 1, closeCount)
}

func TestEventDispatchToBoundHandler(t *testing.T) {
	addr := startFakeServer(t, func(conn net.Conn) {
		defer conn.Close()
		fmt.Fprint(conn, "Content-Type: auth/request\r\n\r\n")
		r := bufio.NewReader(conn)
		_, _ = readCommandLine(r) // auth
		fmt.Fprint(conn, "Content-Type: command/reply\r\nReply-Text: +OK accepted\r\n\r\n")
		_, _ = readCommandLine(r) // event HEARTBEAT
		fmt.Fprint(conn, "Content-Type: command/reply\r\nReply-Text: +OK\r\n\r\n")

		body := "Event-Name: HEARTBEAT\r\nEvent-Date-Timestamp: 123\r\n\r\n"
		fmt.Fprintf(conn, "Content-Type: text/event-plain\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
		time.Sleep(300 * time.Millisecond)
	})

	c, err := Dial(addr, "ClueCon", WithConnTimeout(time.Second))
	require.NoError(t, err)
	defer c.Close()

	received := make(chan *Event, 1)
	err = c.ReqEvent("HEARTBEAT", func(ev *Event) { received <- ev }, nil)
	require.NoError(t, err)

	select {
	case ev := <-received:
		assert.Equal(t, "HEARTBEAT", ev.Get(HeaderEventName))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event dispatch")
	}
}

func TestPostCloseRequestsFail(t *testing.T) {
	addr := startFakeServer(t, func(conn net.Conn) {
		defer conn.Close()
		fmt.Fprint(conn, "Content-Type: auth/request\r\n\r\n")
		r := bufio.NewReader(conn)
		_, _ = readCommandLine(r)
		fmt.Fprint(conn, "Content-Type: command/reply\r\nReply-Text: +OK accepted\r\n\r\n")
		time.Sleep(150 * time.Millisecond)
	})

	c, err := Dial(addr, "ClueCon", WithConnTimeout(time.Second))
	require.NoError(t, err)

	c.Close()
	_, err = c.ReqSync("api status", nil, nil)
	assert.ErrorIs(t, err, ErrTransportClosed)
}
