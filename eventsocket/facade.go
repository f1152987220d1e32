package eventsocket

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Response is the decoded reply to a request, whether a command/reply or an
// api/response envelope.
type Response struct {
	OK        bool
	ReplyText string
	JobUUID   string
	Body      string

	raw *Message
}

func newResponse(msg *Message) *Response {
	r := &Response{raw: msg, Body: string(msg.Body)}
	if rt := msg.Get(HeaderReplyText); rt != "" {
		ok, replyText, jobUUID := parseCommandReply(msg)
		r.OK, r.ReplyText, r.JobUUID = ok, replyText, jobUUID
		return r
	}
	ok, result := parseAPIResponse(msg)
	r.OK, r.Body = ok, result
	return r
}

// Future represents a pending response to an asynchronous Req call.
type Future struct {
	done chan *futureResult
}

type futureResult struct {
	resp *Response
	err  error
}

// Wait blocks until the matching reply arrives (or the connection fails)
// and returns it.
func (f *Future) Wait() (*Response, error) {
	r := <-f.done
	return r.resp, r.err
}

// Req sends a command line asynchronously and returns a Future for its
// reply. This is the library's lowest-level send primitive; most callers
// want one of the typed Req* helpers below.
func (c *Connection) Req(line string, headers map[string]string, body []byte) (*Future, error) {
	c.trackSpecialEvents(line)
	raw, err := c.mux.send(line, headers, body)
	if err != nil {
		return nil, err
	}
	fut := &Future{done: make(chan *futureResult, 1)}
	go func() {
		res := <-raw
		if res.err != nil {
			fut.done <- &futureResult{err: res.err}
			return
		}
		fut.done <- &futureResult{resp: newResponse(res.msg)}
	}()
	return fut, nil
}

// ReqSync is the blocking variant of Req, bounded by the connection's
// configured response timeout.
func (c *Connection) ReqSync(line string, headers map[string]string, body []byte) (*Response, error) {
	c.trackSpecialEvents(line)
	msg, err := c.mux.sendSync(line, headers, body, c.respTimeout)
	if err != nil {
		return nil, err
	}
	return newResponse(msg), nil
}

var reservedCmdVerb = regexp.MustCompile(`(?i)^\s*(bgapi|sendmsg|sendevent)`)

// ReqCmd sends an arbitrary single-line command. Commands with dedicated
// methods (bgapi, sendmsg, sendevent) are rejected; use those instead, since
// they carry handler-lifecycle bookkeeping a bare command line cannot. An
// unsuccessful peer reply (Response.OK false) is reported as a
// *CommandError rather than silently left for the caller to notice via
// Response.OK.
func (c *Connection) ReqCmd(text string) (*Response, error) {
	if reservedCmdVerb.MatchString(text) {
		return nil, fmt.Errorf("%w: ReqCmd does not accept %q, use the dedicated method", ErrArgument, strings.Fields(text)[0])
	}
	resp, err := c.ReqSync(text, nil, nil)
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		reply := resp.ReplyText
		if reply == "" {
			reply = resp.Body
		}
		return resp, &CommandError{ReplyText: reply}
	}
	return resp, nil
}

// ApiResult is the decoded result of a synchronous "api" call.
type ApiResult struct {
	OK     bool
	Result string
}

// ReqApi issues a synchronous api command and waits for its result.
func (c *Connection) ReqApi(command string) (*ApiResult, error) {
	resp, err := c.ReqSync("api "+command, nil, nil)
	if err != nil {
		return nil, err
	}
	return &ApiResult{OK: resp.OK, Result: resp.Body}, nil
}

// BgapiResult is the decoded result of an asynchronous bgapi call, delivered
// via the BACKGROUND_JOB event matching the call's Job-UUID.
type BgapiResult struct {
	OK     bool
	Result string
	Event  *Event
}

// BgapiHandler receives a bgapi call's eventual result.
type BgapiHandler func(*BgapiResult)

// ReqBgapi issues an asynchronous api command. handler is invoked exactly
// once, from the event dispatcher, when the matching BACKGROUND_JOB event
// arrives; the per-job handler binding is torn down automatically
// beforehand so it never fires twice.
func (c *Connection) ReqBgapi(command string, handler BgapiHandler) error {
	if err := c.ensureSpecialSubscribed("BACKGROUND_JOB"); err != nil {
		return err
	}

	jobUUID := uuid.NewString()
	key := NewHandlerKey(map[string]string{
		HeaderEventName: "BACKGROUND_JOB",
		HeaderJobUUID:   jobUUID,
	})
	c.BindEvent(key, func(ev *Event) {
		c.UnbindEvent(key)
		ok, result := parseBgapiResponse(ev)
		handler(&BgapiResult{OK: ok, Result: result, Event: ev})
	})

	headers := map[string]string{"Job-UUID": jobUUID}
	if _, err := c.ReqSync("bgapi "+command, headers, nil); err != nil {
		c.UnbindEvent(key)
		return err
	}
	return nil
}

// ReqEvent subscribes to name (or "ALL") and binds handler to the resulting
// events, narrowed by any extra header constraints.
func (c *Connection) ReqEvent(name string, handler Handler, extra map[string]string) error {
	kv := make(map[string]string, len(extra)+1)
	for k, v := range extra {
		kv[k] = v
	}
	if !strings.EqualFold(name, "ALL") {
		kv[HeaderEventName] = strings.ToUpper(name)
	}
	key := NewHandlerKey(kv)
	c.BindEvent(key, handler)
	if _, err := c.ReqSync("event "+name, nil, nil); err != nil {
		c.UnbindEvent(key)
		return err
	}
	return nil
}

// ReqSendevent fires a synthetic event into FreeSWITCH's event system.
func (c *Connection) ReqSendevent(name string, headers map[string]string, body []byte) (*Response, error) {
	return c.ReqSync("sendevent "+name, headers, body)
}

// ReqSendmsg sends a sendmsg command targeting chanUUID (empty for the
// connection's own channel in outbound mode). Empty header values are
// omitted, matching the teacher's blanking behavior for optional sendmsg
// fields.
func (c *Connection) ReqSendmsg(chanUUID string, headers map[string]string, body []byte) (*Response, error) {
	line := "sendmsg"
	if chanUUID != "" {
		line += " " + chanUUID
	}
	clean := make(map[string]string, len(headers))
	for k, v := range headers {
		if v != "" {
			clean[k] = v
		}
	}
	return c.ReqSync(line, clean, body)
}

// CallExecuteOptions configures ReqCallExecute.
type CallExecuteOptions struct {
	ChanUUID     string
	EventUUID    string
	EventLock    bool
	Loops        int
	StartHandler Handler // invoked once on the matching CHANNEL_EXECUTE event
	EndHandler   Handler // invoked once on the matching CHANNEL_EXECUTE_COMPLETE event
}

// ReqCallExecute runs a dialplan application via sendmsg's call-execute
// convention, optionally binding one-shot start/end handlers keyed by a
// fresh Application-UUID so concurrent executions on the same channel never
// cross-fire each other's handlers.
func (c *Connection) ReqCallExecute(appCmd string, opts CallExecuteOptions) (*Response, error) {
	appName, appArg, _ := strings.Cut(appCmd, " ")

	eventUUID := opts.EventUUID
	if eventUUID == "" {
		eventUUID = uuid.NewString()
	}

	var bound []HandlerKey
	unbindAll := func() {
		for _, k := range bound {
			c.UnbindEvent(k)
		}
	}

	if opts.StartHandler != nil {
		if err := c.ensureSpecialSubscribed("CHANNEL_EXECUTE"); err != nil {
			return nil, err
		}
		kv := map[string]string{HeaderEventName: "CHANNEL_EXECUTE", HeaderApplicationUUID: eventUUID}
		if opts.ChanUUID != "" {
			kv[HeaderUniqueID] = opts.ChanUUID
		}
		key := NewHandlerKey(kv)
		h := opts.StartHandler
		c.BindEvent(key, func(ev *Event) {
			c.UnbindEvent(key)
			h(ev)
		})
		bound = append(bound, key)
	}

	if opts.EndHandler != nil {
		if err := c.ensureSpecialSubscribed("CHANNEL_EXECUTE_COMPLETE"); err != nil {
			unbindAll()
			return nil, err
		}
		kv := map[string]string{HeaderEventName: "CHANNEL_EXECUTE_COMPLETE", HeaderApplicationUUID: eventUUID}
		if opts.ChanUUID != "" {
			kv[HeaderUniqueID] = opts.ChanUUID
		}
		key := NewHandlerKey(kv)
		h := opts.EndHandler
		c.BindEvent(key, func(ev *Event) {
			c.UnbindEvent(key)
			h(ev)
		})
		bound = append(bound, key)
	}

	headers := map[string]string{
		"call-command":     "execute",
		"execute-app-name": appName,
		"event-uuid":       eventUUID,
		"content-type":     "text/plain",
	}
	if opts.Loops > 0 {
		headers["loops"] = strconv.Itoa(opts.Loops)
	}
	if opts.EventLock {
		headers["event-lock"] = "true"
	}

	resp, err := c.ReqSendmsg(opts.ChanUUID, headers, []byte(appArg))
	if err != nil {
		unbindAll()
		return nil, err
	}
	return resp, nil
}

// BindEvent registers handler for events whose header set is a superset of
// key's constraints.
func (c *Connection) BindEvent(key HandlerKey, handler Handler) {
	c.registry.bind(key, handler)
}

// UnbindEvent removes a previously bound handler.
func (c *Connection) UnbindEvent(key HandlerKey) {
	c.registry.unbind(key)
}

// ClearAllEventHandlers removes every bound handler.
func (c *Connection) ClearAllEventHandlers() {
	c.registry.clear()
}

// Nixevent removes event names from the connection's subscription.
func (c *Connection) Nixevent(names ...string) (*Response, error) {
	return c.ReqSync("nixevent "+strings.Join(names, " "), nil, nil)
}

// Noevents clears all event subscriptions.
func (c *Connection) Noevents() (*Response, error) {
	return c.ReqSync("noevents", nil, nil)
}

// DivertEvents toggles delivery of custom/dialplan events to this
// connection instead of the dialplan.
func (c *Connection) DivertEvents(on bool) (*Response, error) {
	val := "off"
	if on {
		val = "on"
	}
	return c.ReqSync("divert_events "+val, nil, nil)
}

// Filter narrows event delivery server-side to events whose header matches
// value, as an alternative to subscribing broadly and filtering client-side.
func (c *Connection) Filter(header, value string) (*Response, error) {
	return c.ReqSync("filter "+header+" "+value, nil, nil)
}

// FilterDelete removes a previously installed Filter.
func (c *Connection) FilterDelete(header, value string) (*Response, error) {
	return c.ReqSync("filter delete "+header+" "+value, nil, nil)
}
