package eventsocket

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Message is one complete, decoded ESL envelope: a header block plus an
// optional length-delimited body. It is the unit the codec hands to the
// connection's receive loop, before any Content-Type-specific parsing.
type Message struct {
	Headers map[string]string // normalized header name -> raw (still percent-encoded) value
	Body    []byte
}

// Get returns a header value by name, case- and whitespace-insensitively.
func (m *Message) Get(name string) string {
	return m.Headers[normalizeHeaderKey(name)]
}

// ContentType is a shorthand for Get("Content-Type").
func (m *Message) ContentType() string {
	return m.Get("content-type")
}

func normalizeHeaderKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// decodeAll consumes as many complete envelopes as buf holds, returning the
// decoded messages and the unconsumed remainder. A non-nil err means an
// envelope's framing could not be resolved (an unparseable Content-Length);
// residual in that case is the whole of buf from the point the bad envelope
// began, since this library has no way to know where the next envelope
// would start within the confused byte stream.
func decodeAll(buf []byte) (msgs []*Message, residual []byte, err error) {
	residual = buf
	for {
		msg, rest, ok, derr := decodeOne(residual)
		if derr != nil {
			return msgs, residual, derr
		}
		if !ok {
			return msgs, residual, nil
		}
		msgs = append(msgs, msg)
		residual = rest
	}
}

// decodeOne parses a single envelope from the front of buf. ok is false when
// buf does not yet hold a complete envelope (more bytes are needed).
func decodeOne(buf []byte) (msg *Message, residual []byte, ok bool, err error) {
	headers := make(map[string]string)
	pos := 0
	for {
		nl := bytes.IndexByte(buf[pos:], '\n')
		if nl == -1 {
			return nil, buf, false, nil
		}
		line := bytes.TrimSuffix(buf[pos:pos+nl], []byte("\r"))
		pos += nl + 1
		if len(line) == 0 {
			break
		}
		k, v, found := strings.Cut(string(line), ":")
		if !found {
			continue // malformed header line, best-effort skip
		}
		headers[normalizeHeaderKey(k)] = strings.TrimSpace(v)
	}

	var body []byte
	if clStr, present := headers["content-length"]; present {
		n, convErr := strconv.Atoi(strings.TrimSpace(clStr))
		if convErr != nil || n < 0 {
			return nil, buf, false, fmt.Errorf("eventsocket: malformed Content-Length %q", clStr)
		}
		if len(buf)-pos < n {
			return nil, buf, false, nil
		}
		body = buf[pos : pos+n]
		pos += n
	}

	return &Message{Headers: headers, Body: body}, buf[pos:], true, nil
}

// encode serializes a command line, its headers, and an optional body into
// an ESL envelope. Header values are collapsed to a single line: embedded
// newlines would otherwise desynchronize the wire framing.
func encode(line string, headers map[string]string, body []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(line)
	buf.WriteByte('\n')
	for k, v := range headers {
		buf.WriteString(k)
		buf.WriteString(": ")
		buf.WriteString(collapseHeaderValue(v))
		buf.WriteByte('\n')
	}
	if len(body) > 0 {
		fmt.Fprintf(&buf, "Content-Length: %d\n\n", len(body))
		buf.Write(body)
	} else {
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

func collapseHeaderValue(v string) string {
	return strings.Join(strings.Fields(v), " ")
}

// parseCommandReply extracts the Reply-Text/Job-UUID convention used by
// command/reply envelopes (auth, most single-line commands, bgapi's initial
// ack).
func parseCommandReply(msg *Message) (ok bool, replyText string, jobUUID string) {
	replyText = msg.Get("reply-text")
	ok = strings.HasPrefix(replyText, "+OK")
	jobUUID = msg.Get("job-uuid")
	return ok, replyText, jobUUID
}

// parseAPIResponse extracts the api/response convention: the body itself
// carries the result, "-ERR ..." on failure.
func parseAPIResponse(msg *Message) (ok bool, result string) {
	result = string(msg.Body)
	return !strings.HasPrefix(result, "-ERR"), result
}
