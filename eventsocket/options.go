package eventsocket

import (
	"time"

	"go.uber.org/zap"
)

// AsyncThreadType selects how a connection's event dispatcher schedules
// handler invocations.
type AsyncThreadType int

const (
	// ThreadDispatch runs one dedicated goroutine per connection that
	// invokes handlers strictly in arrival order. This is the default.
	ThreadDispatch AsyncThreadType = iota
	// CooperativeDispatch runs each handler invocation on its own
	// goroutine, with at most a small bounded number running at once, so
	// independent handler keys can run concurrently. Handler order is not
	// guaranteed in this mode, not even for events matching the same key.
	CooperativeDispatch
)

const (
	DefaultConnTimeout        = 5 * time.Second
	DefaultRespTimeout        = 30 * time.Second
	DefaultIncomingBufferSize = 32
	defaultCooperativeWorkers = 8
)

type config struct {
	connTimeout       time.Duration
	respTimeout       time.Duration
	bufferSize        int
	asyncThreadType   AsyncThreadType
	cooperativeSize   int64
	onClose           func(*Connection)
	logger            *zap.Logger
	warnOnMissHandler bool

	// outbound-only
	preInitFn    func(*Connection, map[string]string)
	customInitFn func(*Connection, map[string]string) error
}

func defaultConfig() *config {
	return &config{
		connTimeout:       DefaultConnTimeout,
		respTimeout:       DefaultRespTimeout,
		bufferSize:        DefaultIncomingBufferSize,
		asyncThreadType:   ThreadDispatch,
		cooperativeSize:   defaultCooperativeWorkers,
		logger:            zap.NewNop(),
		warnOnMissHandler: true,
	}
}

// Option configures a Dial or ListenAndServe call.
type Option func(*config)

// WithConnTimeout bounds Dial's initial TCP dial + auth handshake. Outbound
// connections do not use it: their connect handshake is bounded by the
// response timeout.
func WithConnTimeout(d time.Duration) Option {
	return func(c *config) { c.connTimeout = d }
}

// WithRespTimeout bounds how long a synchronous request waits for its
// matching reply before the connection is poisoned and closed.
func WithRespTimeout(d time.Duration) Option {
	return func(c *config) { c.respTimeout = d }
}

// WithIncomingBufferSize sets the bounded event queue depth between the
// receive loop and the dispatcher. Values <= 0 are ignored.
func WithIncomingBufferSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.bufferSize = n
		}
	}
}

// WithAsyncThreadType selects the dispatcher's scheduling model.
func WithAsyncThreadType(t AsyncThreadType) Option {
	return func(c *config) { c.asyncThreadType = t }
}

// WithCooperativeWorkers sets the worker pool size used by
// CooperativeDispatch. Values <= 0 are ignored.
func WithCooperativeWorkers(n int64) Option {
	return func(c *config) {
		if n > 0 {
			c.cooperativeSize = n
		}
	}
}

// WithOnClose registers a callback invoked exactly once when the connection
// closes, for any reason.
func WithOnClose(fn func(*Connection)) Option {
	return func(c *config) { c.onClose = fn }
}

// WithLogger overrides the connection's structured logging sink. A nil
// logger is ignored; the default is zap.NewNop().
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithHandlerMissWarnings toggles whether a dispatched event with no
// matching handler is logged at warn level.
func WithHandlerMissWarnings(enabled bool) Option {
	return func(c *config) { c.warnOnMissHandler = enabled }
}

// WithPreInitFunc registers an outbound-mode hook invoked with the decoded
// channel data immediately after the connect handshake, before
// initialization (the default linger+myevents, or a custom init function)
// runs.
func WithPreInitFunc(fn func(*Connection, map[string]string)) Option {
	return func(c *config) { c.preInitFn = fn }
}

// WithCustomInitFunc overrides the default linger+myevents outbound
// initialization sequence entirely.
func WithCustomInitFunc(fn func(*Connection, map[string]string) error) Option {
	return func(c *config) { c.customInitFn = fn }
}
