package eventsocket

import (
	"context"
	"net"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// HandlerFunc is invoked once per outbound call after the connect/init
// handshake completes. When it returns (or panics), the connection is
// closed.
type HandlerFunc func(conn *Connection, chanData map[string]string)

// ListenAndServe runs an ESL outbound server: FreeSWITCH dials this
// listener once per routed call, and handler drives that call until it
// returns. Every accepted connection is supervised by an errgroup so that
// a hard listener failure unwinds cleanly after in-flight calls finish,
// instead of leaking their goroutines.
func ListenAndServe(addr string, handler HandlerFunc, opts ...Option) error {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close()

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		<-ctx.Done()
		ln.Close()
		return nil
	})

	g.Go(func() error {
		for {
			rawConn, err := ln.Accept()
			if err != nil {
				return err
			}
			g.Go(func() error {
				serveOutboundConn(rawConn, handler, cfg)
				return nil
			})
		}
	})

	return g.Wait()
}

func serveOutboundConn(rawConn net.Conn, handler HandlerFunc, cfg *config) {
	c := newConnection(ModeOutbound, rawConn, cfg)
	defer c.shutdown(ErrTransportClosed)
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("outbound handler panicked", zap.Any("recover", r))
		}
	}()

	resp, err := c.ReqSync("connect", nil, nil)
	if err != nil {
		c.logger.Warn("outbound connect handshake failed", zap.Error(err))
		return
	}
	chanData := decodeChanData(resp)

	c.mu.Lock()
	c.chanData = chanData
	c.mu.Unlock()

	if cfg.preInitFn != nil {
		cfg.preInitFn(c, chanData)
	}

	if cfg.customInitFn != nil {
		if err := cfg.customInitFn(c, chanData); err != nil {
			c.logger.Warn("custom outbound init failed", zap.Error(err))
			return
		}
	} else {
		if _, err := c.ReqSync("linger", nil, nil); err != nil {
			c.logger.Warn("linger failed", zap.Error(err))
			return
		}
		if _, err := c.ReqSync("myevents", nil, nil); err != nil {
			c.logger.Warn("myevents failed", zap.Error(err))
			return
		}
	}

	handler(c, chanData)
}

func decodeChanData(resp *Response) map[string]string {
	data := make(map[string]string, len(resp.raw.Headers))
	for k, v := range resp.raw.Headers {
		data[k] = percentDecode(v)
	}
	return data
}
