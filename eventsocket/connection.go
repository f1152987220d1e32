package eventsocket

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Mode distinguishes an inbound connection (this library dials FreeSWITCH)
// from an outbound one (FreeSWITCH dials this library's server).
type Mode int

const (
	ModeInbound Mode = iota
	ModeOutbound
)

func (m Mode) String() string {
	if m == ModeOutbound {
		return "outbound"
	}
	return "inbound"
}

const (
	readChunkSize = 64 * 1024
)

// Connection is one ESL session, either inbound (dialed) or outbound
// (accepted). It owns the socket, the I/O multiplexer, the handler
// registry, and the event dispatcher.
type Connection struct {
	mode    Mode
	conn    net.Conn
	mux     *ioMux
	registry *handlerRegistry
	dispatcher *dispatcher
	logger   *zap.Logger
	metrics  *metricsSet

	respTimeout time.Duration

	events       chan *Event
	eventsMu     sync.Mutex
	eventsClosed bool

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
	onClose   func(*Connection)

	mu            sync.Mutex
	specialEnabled map[string]bool
	chanData       map[string]string // outbound only: decoded connect reply

	authSignal  chan error
	authPending int32
}

func newConnection(mode Mode, rawConn net.Conn, cfg *config) *Connection {
	m := newMetricsSet(mode.String())
	c := &Connection{
		mode:           mode,
		conn:           rawConn,
		mux:            newIOMux(rawConn, m),
		registry:       newHandlerRegistry(),
		logger:         cfg.logger,
		metrics:        m,
		respTimeout:    cfg.respTimeout,
		events:         make(chan *Event, cfg.bufferSize),
		closed:         make(chan struct{}),
		onClose:        cfg.onClose,
		specialEnabled: make(map[string]bool),
		authSignal:     make(chan error, 1),
	}
	c.dispatcher = newDispatcher(c.registry, c.events, cfg, m, c.logger)
	if mode == ModeInbound {
		// Inbound connections must be auth-pending before the read loop can
		// observe anything, so the peer's unsolicited auth/request (or a
		// rude-rejection) is never raced by the handshake's own StoreInt32.
		atomic.StoreInt32(&c.authPending, 1)
	}
	go c.dispatcher.run()
	go c.readLoop()
	return c
}

// Dial connects to addr in inbound mode and performs the auth handshake.
func Dial(addr, password string, opts ...Option) (*Connection, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	rawConn, err := net.DialTimeout("tcp", addr, cfg.connTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectError, err)
	}

	c := newConnection(ModeInbound, rawConn, cfg)
	deadline := time.Now().Add(cfg.connTimeout)
	if err := c.authenticate(password, deadline); err != nil {
		c.shutdown(err)
		return nil, err
	}
	return c, nil
}

func (c *Connection) authenticate(password string, deadline time.Time) error {
	defer atomic.StoreInt32(&c.authPending, 0)

	timeout := time.Until(deadline)
	if timeout <= 0 {
		timeout = time.Millisecond
	}

	select {
	case err := <-c.authSignal:
		if err != nil {
			return err
		}
	case <-time.After(timeout):
		return ErrTimeout
	case <-c.closed:
		return c.closeErr
	}

	msg, err := c.mux.sendSync("auth "+password, nil, nil, time.Until(deadline))
	if err != nil {
		return err
	}
	ok, _, _ := parseCommandReply(msg)
	if !ok {
		return ErrAuthFailure
	}
	return nil
}

// Mode reports whether this is an inbound or outbound connection.
func (c *Connection) Mode() Mode { return c.mode }

// RemoteAddr returns the peer's network address.
func (c *Connection) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Done returns a channel closed once the connection has fully shut down.
func (c *Connection) Done() <-chan struct{} { return c.closed }

// Err returns the reason the connection closed, or nil while still open.
func (c *Connection) Err() error { return c.closeErr }

// ChanData returns the channel variables captured from the outbound
// "connect" handshake. Empty for inbound connections.
func (c *Connection) ChanData() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.chanData))
	for k, v := range c.chanData {
		out[k] = v
	}
	return out
}

// Close immediately tears down the connection: fails outstanding waiters,
// stops the dispatcher, and closes the socket. Idempotent.
func (c *Connection) Close() error {
	c.shutdown(ErrTransportClosed)
	return nil
}

// Disconnect asks the peer to close the connection by sending "exit" and
// relying on the peer-driven close; any write failure is swallowed since
// the caller is already trying to tear down.
func (c *Connection) Disconnect() {
	_, _ = c.mux.send("exit", nil, nil)
}

func (c *Connection) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		c.mux.failAll(err)

		c.eventsMu.Lock()
		if !c.eventsClosed {
			c.eventsClosed = true
			close(c.events)
		}
		c.eventsMu.Unlock()

		c.conn.Close()
		close(c.closed)

		if c.onClose != nil {
			func() {
				defer func() {
					if r := recover(); r != nil {
						c.logger.Warn("on-close callback panicked", zap.Any("recover", r))
					}
				}()
				c.onClose(c)
			}()
		}
	})
}

func (c *Connection) readLoop() {
	chunk := make([]byte, readChunkSize)
	var buf []byte
	for {
		n, readErr := c.conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			msgs, residual, decodeErr := decodeAll(buf)
			for _, msg := range msgs {
				c.handleMessage(msg)
			}
			if decodeErr != nil {
				c.logger.Warn("dropping unparseable envelope", zap.Error(decodeErr))
				buf = nil
			} else {
				buf = append([]byte(nil), residual...)
			}
		}
		if readErr != nil {
			c.shutdown(ErrTransportClosed)
			return
		}
	}
}

func (c *Connection) handleMessage(msg *Message) {
	switch msg.ContentType() {
	case "auth/request":
		if atomic.LoadInt32(&c.authPending) == 1 {
			select {
			case c.authSignal <- nil:
			default:
			}
			return
		}
		c.logger.Warn("unexpected auth/request after handshake")
	case "text/rude-rejection":
		if atomic.LoadInt32(&c.authPending) == 1 {
			select {
			case c.authSignal <- ErrAuthRejected:
			default:
			}
		}
		c.shutdown(ErrAuthRejected)
	case "command/reply", "api/response":
		c.mux.fulfil(msg)
	case "text/event-plain", "text/event-json", "text/event-xml":
		ev, err := parseEvent(msg)
		if err != nil {
			c.logger.Warn("protocol error parsing event", zap.Error(err))
			return
		}
		c.enqueueEvent(ev)
	case "text/disconnect-notice":
		c.logger.Info("peer announced disconnect")
	default:
		c.logger.Warn("unsupported content-type", zap.String("content-type", msg.ContentType()))
	}
}

// enqueueEvent pushes ev onto the bounded event queue, dropping the oldest
// queued event when full rather than blocking the receive loop.
func (c *Connection) enqueueEvent(ev *Event) {
	c.eventsMu.Lock()
	defer c.eventsMu.Unlock()
	if c.eventsClosed {
		return
	}
	select {
	case c.events <- ev:
		return
	default:
	}
	select {
	case <-c.events:
		if c.metrics != nil {
			c.metrics.eventDropped()
		}
	default:
	}
	select {
	case c.events <- ev:
	default:
	}
}

// trackSpecialEvents inspects an outgoing command line's first token and
// updates the connection's record of which special event names are known to
// be enabled, so the façade can skip redundant "event ..." subscriptions.
func (c *Connection) trackSpecialEvents(cmdLine string) {
	fields := strings.Fields(cmdLine)
	if len(fields) == 0 {
		return
	}
	verb := strings.ToUpper(fields[0])

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case strings.HasPrefix(verb, "NOEVENTS"):
		c.specialEnabled = make(map[string]bool)
	case strings.HasPrefix(verb, "MYEVENTS"):
		for name := range specialEventNames {
			c.specialEnabled[name] = true
		}
	case strings.HasPrefix(verb, "NIXEVENT"):
		for _, name := range fields[1:] {
			delete(c.specialEnabled, strings.ToUpper(name))
		}
	case strings.HasPrefix(verb, "EVENT"):
		for _, tok := range fields[1:] {
			up := strings.ToUpper(tok)
			switch up {
			case "PLAIN", "XML", "JSON":
				continue
			case "ALL":
				for name := range specialEventNames {
					c.specialEnabled[name] = true
				}
			default:
				c.specialEnabled[up] = true
			}
		}
	}
}

// ensureSpecialSubscribed sends "event <name>" the first time it's needed,
// marking the name enabled before the send so concurrent callers racing in
// see it already claimed rather than each issuing their own subscription.
func (c *Connection) ensureSpecialSubscribed(name string) error {
	up := strings.ToUpper(name)
	c.mu.Lock()
	if c.specialEnabled[up] {
		c.mu.Unlock()
		return nil
	}
	c.specialEnabled[up] = true
	c.mu.Unlock()

	if _, err := c.Req("event "+name, nil, nil); err != nil {
		c.mu.Lock()
		delete(c.specialEnabled, up)
		c.mu.Unlock()
		return err
	}
	return nil
}
