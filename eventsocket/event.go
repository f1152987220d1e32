package eventsocket

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
)

// EventHeader maps normalized (lowercase, trimmed) header names to their
// decoded values.
type EventHeader map[string]string

// Event is a single FreeSWITCH event, decoded from a text/event-plain,
// text/event-json or text/event-xml envelope.
type Event struct {
	Header EventHeader
	Body   string
}

// Get returns a header value, normalizing name the same way the header map
// itself was built.
func (e *Event) Get(name string) string {
	return e.Header[normalizeHeaderKey(name)]
}

// GetInt parses a header value as an integer.
func (e *Event) GetInt(name string) (int, error) {
	return strconv.Atoi(e.Get(name))
}

func (e *Event) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s", e.Get(HeaderEventName))
	if sub := e.Get(HeaderEventSubclass); sub != "" {
		fmt.Fprintf(&b, " (%s)", sub)
	}
	if e.Body != "" {
		fmt.Fprintf(&b, ": %s", e.Body)
	}
	return b.String()
}

// parseEvent decodes the body of an event envelope according to its
// Content-Type.
func parseEvent(msg *Message) (*Event, error) {
	switch msg.ContentType() {
	case "text/event-plain":
		return parsePlainEvent(msg.Body)
	case "text/event-json":
		return parseJSONEvent(msg.Body)
	case "text/event-xml":
		return parseXMLEvent(msg.Body)
	default:
		return nil, fmt.Errorf("eventsocket: unsupported event content-type %q", msg.ContentType())
	}
}

// parsePlainEvent re-applies the envelope grammar to the nested body, the
// same trick the teacher plays by feeding the body back through a second
// textproto.Reader: a plain event body is itself a header block plus an
// optional Content-Length-delimited trailing body (e.g. CUSTOM events
// carrying an application body).
func parsePlainEvent(raw []byte) (*Event, error) {
	inner, _, ok, err := decodeOne(raw)
	if err != nil {
		return nil, fmt.Errorf("eventsocket: malformed event-plain body: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("eventsocket: truncated event-plain body")
	}
	hdr := make(EventHeader, len(inner.Headers))
	for k, v := range inner.Headers {
		hdr[k] = percentDecode(v)
	}
	return &Event{Header: hdr, Body: string(inner.Body)}, nil
}

func parseJSONEvent(raw []byte) (*Event, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("eventsocket: parse json event: %w", err)
	}
	hdr := make(EventHeader, len(fields))
	body := ""
	for k, v := range fields {
		key := normalizeHeaderKey(k)
		if key == "_body" {
			if s, ok := v.(string); ok {
				body = s
			}
			continue
		}
		switch val := v.(type) {
		case string:
			hdr[key] = val
		default:
			hdr[key] = fmt.Sprintf("%v", val)
		}
	}
	return &Event{Header: hdr, Body: body}, nil
}

// parseXMLEvent flattens the leaf elements of a FreeSWITCH event-xml body
// into an EventHeader. FreeSWITCH's XML event serialization is shallow
// (a root <event> with flat child elements holding text), so a simple
// element-stack walk is enough.
func parseXMLEvent(raw []byte) (*Event, error) {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	hdr := make(EventHeader)
	var body strings.Builder
	var currentName string
	var text strings.Builder
	var haveText bool

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("eventsocket: parse xml event: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			currentName = t.Name.Local
			text.Reset()
			haveText = false
		case xml.CharData:
			text.Write(t)
			haveText = true
		case xml.EndElement:
			if haveText && t.Name.Local == currentName {
				key := normalizeHeaderKey(t.Name.Local)
				val := strings.TrimSpace(text.String())
				switch key {
				case "body":
					body.WriteString(val)
				case "event":
					// root element, nothing to record
				default:
					hdr[key] = percentDecode(val)
				}
			}
			haveText = false
		}
	}
	return &Event{Header: hdr, Body: body.String()}, nil
}

func percentDecode(v string) string {
	dv, err := url.QueryUnescape(v)
	if err != nil {
		return v
	}
	return dv
}

// parseBgapiResponse extracts the bgapi result convention from the matching
// BACKGROUND_JOB event: the job's body carries the api result text.
func parseBgapiResponse(ev *Event) (ok bool, result string) {
	result = ev.Body
	return !strings.HasPrefix(result, "-ERR"), result
}
