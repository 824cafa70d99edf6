package forwarder

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// SessionHeader is the header and JSON field carrying the routing key.
const SessionHeader = "x-session-id"

// envVarsField is the JSON object that may nest the routing key.
const envVarsField = "env_vars"

const sniffChunkSize = 4096

var (
	sessionHeaderRe = regexp.MustCompile(`(?im)^` + SessionHeader + `:[ \t]*([^\r\n]*?)[ \t]*\r?$`)
	contentLengthRe = regexp.MustCompile(`(?im)^content-length:[ \t]*(\d+)[ \t]*\r?$`)
)

type sniffState int

const (
	sniffIncomplete sniffState = iota // need more bytes
	sniffFound
	sniffNoKey     // request complete, no routing key
	sniffMalformed // body is not valid JSON
)

// parseRoutingKey looks for the session id in an HTTP-like request prefix.
// The header wins over the body. In a JSON body env_vars wins over the top
// level field.
func parseRoutingKey(data []byte) (string, sniffState) {
	head, body, complete := splitHead(data)

	for _, m := range sessionHeaderRe.FindAllSubmatch(head, -1) {
		if id := strings.TrimSpace(string(m[1])); id != "" {
			return id, sniffFound
		}
	}
	if !complete {
		return "", sniffIncomplete
	}

	if m := contentLengthRe.FindSubmatch(head); m != nil {
		if n, err := strconv.Atoi(string(m[1])); err == nil && len(body) < n {
			return "", sniffIncomplete
		}
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return "", sniffNoKey
	}

	var payload map[string]any
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return "", sniffIncomplete
		}
		return "", sniffMalformed
	}

	if env, ok := payload[envVarsField].(map[string]any); ok {
		if id, ok := env[SessionHeader].(string); ok && strings.TrimSpace(id) != "" {
			return strings.TrimSpace(id), sniffFound
		}
	}
	if id, ok := payload[SessionHeader].(string); ok && strings.TrimSpace(id) != "" {
		return strings.TrimSpace(id), sniffFound
	}
	return "", sniffNoKey
}

// splitHead splits data at the first blank line. Header lines are only
// returned once terminated so a partially received value is never matched.
func splitHead(data []byte) (head, body []byte, complete bool) {
	if i := bytes.Index(data, []byte("\r\n\r\n")); i >= 0 {
		return data[:i+2], data[i+4:], true
	}
	if i := bytes.Index(data, []byte("\n\n")); i >= 0 {
		return data[:i+1], data[i+2:], true
	}
	if i := bytes.LastIndexByte(data, '\n'); i >= 0 {
		return data[:i+1], nil, false
	}
	return nil, nil, false
}

// sniff reads from conn until a routing key is found, the request is complete
// without one, max bytes are buffered, the client closes or the deadline
// passes. It returns every byte read so the caller can replay them.
func (f *Forwarder) sniff(conn net.Conn) (string, []byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(f.cfg.SniffTimeout)); err != nil {
		return "", nil, fmt.Errorf("set sniff deadline: %w", err)
	}
	defer func() {
		if err := conn.SetReadDeadline(time.Time{}); err != nil {
			f.log.Debug("Failed to clear read deadline", "error", err)
		}
	}()

	buf := make([]byte, 0, sniffChunkSize)
	chunk := make([]byte, sniffChunkSize)
	for {
		limit := min(len(chunk), f.cfg.MaxSniffBytes-len(buf))
		n, readErr := conn.Read(chunk[:limit])
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			switch id, state := parseRoutingKey(buf); state {
			case sniffFound:
				return id, buf, nil
			case sniffNoKey:
				return "", buf, ErrRoutingKeyNotFound
			case sniffMalformed:
				f.log.Debug("Request body is not valid JSON", "remote_addr", conn.RemoteAddr().String(), "bytes", len(buf))
				return "", buf, fmt.Errorf("%w: malformed JSON body", ErrRoutingKeyNotFound)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, os.ErrDeadlineExceeded) {
				return "", buf, ErrSniffTimeout
			}
			return "", buf, fmt.Errorf("read request: %w", readErr)
		}
		if len(buf) >= f.cfg.MaxSniffBytes {
			return "", buf, fmt.Errorf("%w within %d bytes", ErrRoutingKeyNotFound, f.cfg.MaxSniffBytes)
		}
	}
}
