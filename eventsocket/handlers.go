package eventsocket

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Handler is invoked by the event dispatcher for a matched event.
type Handler func(*Event)

// HandlerKey is an immutable, normalized set of header:value constraints
// used to match events to handlers. The empty key matches every event.
type HandlerKey struct {
	pairs []string // sorted, normalized "NAME:VALUE" entries
}

// NewHandlerKey builds a HandlerKey from a set of header-name/value
// constraints. Both sides are uppercased and trimmed, matching the wire's
// case-insensitivity.
func NewHandlerKey(kv map[string]string) HandlerKey {
	pairs := make([]string, 0, len(kv))
	for k, v := range kv {
		pairs = append(pairs, normalizeKeyPart(k)+":"+normalizeKeyPart(v))
	}
	sort.Strings(pairs)
	return HandlerKey{pairs: pairs}
}

func normalizeKeyPart(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func (k HandlerKey) id() string {
	return strings.Join(k.pairs, "\x00")
}

func (k HandlerKey) size() int { return len(k.pairs) }

func (k HandlerKey) subsetOf(set map[string]struct{}) bool {
	for _, p := range k.pairs {
		if _, ok := set[p]; !ok {
			return false
		}
	}
	return true
}

func eventKeySet(ev *Event) map[string]struct{} {
	set := make(map[string]struct{}, len(ev.Header))
	for k, v := range ev.Header {
		set[normalizeKeyPart(k)+":"+normalizeKeyPart(v)] = struct{}{}
	}
	return set
}

type handlerEntry struct {
	key     HandlerKey
	handler Handler
}

// handlerRegistry binds HandlerKeys to Handlers and resolves, for a given
// event, the single most-specific matching handler.
type handlerRegistry struct {
	mu      sync.RWMutex
	entries map[string]*handlerEntry
}

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{entries: make(map[string]*handlerEntry)}
}

func (r *handlerRegistry) bind(key HandlerKey, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key.id()] = &handlerEntry{key: key, handler: h}
}

func (r *handlerRegistry) unbind(key HandlerKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key.id())
}

func (r *handlerRegistry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]*handlerEntry)
}

// match returns the handler bound to the key with the most constraints that
// is a subset of ev's own header set. Ties (equal constraint count) are
// broken lexicographically on the sorted, joined key tuple, so the winner
// never depends on map iteration order.
func (r *handlerRegistry) match(ev *Event) (Handler, bool) {
	set := eventKeySet(ev)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *handlerEntry
	for _, e := range r.entries {
		if !e.key.subsetOf(set) {
			continue
		}
		switch {
		case best == nil:
			best = e
		case e.key.size() > best.key.size():
			best = e
		case e.key.size() == best.key.size() && e.key.id() < best.key.id():
			best = e
		}
	}
	if best == nil {
		return nil, false
	}
	return best.handler, true
}

// dispatcher drains a connection's event queue and invokes the matching
// handler for each event. In ThreadDispatch mode it runs handlers strictly
// in arrival order on a single goroutine; in CooperativeDispatch mode it
// bounds concurrent handler invocations with a semaphore so independent
// handler keys can overlap.
type dispatcher struct {
	registry   *handlerRegistry
	events     <-chan *Event
	logger     *zap.Logger
	metrics    *metricsSet
	warnOnMiss bool
	sem        *semaphore.Weighted
}

func newDispatcher(registry *handlerRegistry, events <-chan *Event, cfg *config, metrics *metricsSet, logger *zap.Logger) *dispatcher {
	d := &dispatcher{
		registry:   registry,
		events:     events,
		logger:     logger,
		metrics:    metrics,
		warnOnMiss: cfg.warnOnMissHandler,
	}
	if cfg.asyncThreadType == CooperativeDispatch {
		d.sem = semaphore.NewWeighted(cfg.cooperativeSize)
	}
	return d
}

func (d *dispatcher) run() {
	for ev := range d.events {
		d.dispatch(ev)
	}
}

func (d *dispatcher) dispatch(ev *Event) {
	handler, ok := d.registry.match(ev)
	if !ok {
		if d.metrics != nil {
			d.metrics.eventUnhandled()
		}
		if d.warnOnMiss {
			d.logger.Warn("no handler bound for event", zap.String("event-name", ev.Get(HeaderEventName)))
		}
		return
	}
	if d.metrics != nil {
		d.metrics.eventDispatched()
	}
	if d.sem == nil {
		d.invoke(handler, ev)
		return
	}
	_ = d.sem.Acquire(context.Background(), 1)
	go func() {
		defer d.sem.Release(1)
		d.invoke(handler, ev)
	}()
}

func (d *dispatcher) invoke(h Handler, ev *Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event handler panicked", zap.Any("recover", r))
		}
	}()
	start := time.Now()
	h(ev)
	if d.metrics != nil {
		d.metrics.observeHandler(time.Since(start))
	}
}
