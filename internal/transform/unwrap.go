package transform

import (
	"bytes"

	"github.com/tidwall/gjson"
)

// UnwrapResponse strips the backend envelope from a buffered response,
// returning its response sub-field. Bodies without the field, and bodies
// that fail to parse, pass through verbatim.
func UnwrapResponse(body []byte) []byte {
	if !gjson.ValidBytes(body) {
		return body
	}
	if resp := gjson.GetBytes(body, "response"); resp.Exists() {
		return []byte(resp.Raw)
	}
	return body
}

var ssePrefix = []byte("data:")

// StreamUnwrapper incrementally unwraps the backend envelope from SSE
// frames. Chunks may split lines at arbitrary byte boundaries; only
// complete lines are rewritten, and framing bytes around the payload are
// preserved exactly.
type StreamUnwrapper struct {
	buf []byte
}

// Process consumes the next raw chunk and returns the rewritten bytes for
// every line completed by it. Incomplete trailing content stays buffered.
func (u *StreamUnwrapper) Process(chunk []byte) []byte {
	u.buf = append(u.buf, chunk...)
	var out []byte
	for {
		idx := bytes.IndexByte(u.buf, '\n')
		if idx < 0 {
			return out
		}
		line := u.buf[:idx]
		u.buf = u.buf[idx+1:]
		out = append(out, unwrapLine(line)...)
		out = append(out, '\n')
	}
}

// Flush rewrites and returns whatever remains buffered after the stream
// ends cleanly. Callers abandoning a broken stream simply drop the
// unwrapper instead.
func (u *StreamUnwrapper) Flush() []byte {
	if len(u.buf) == 0 {
		return nil
	}
	line := u.buf
	u.buf = nil
	return unwrapLine(line)
}

func unwrapLine(line []byte) []byte {
	if !bytes.HasPrefix(line, ssePrefix) {
		return line
	}
	payload := line[len(ssePrefix):]
	var sep []byte
	if len(payload) > 0 && payload[0] == ' ' {
		sep = payload[:1]
		payload = payload[1:]
	}
	var tail []byte
	if n := len(payload); n > 0 && payload[n-1] == '\r' {
		tail = payload[n-1:]
		payload = payload[:n-1]
	}
	if !gjson.ValidBytes(payload) {
		return line
	}
	resp := gjson.GetBytes(payload, "response")
	if !resp.Exists() {
		return line
	}
	out := make([]byte, 0, len(ssePrefix)+len(sep)+len(resp.Raw)+len(tail))
	out = append(out, ssePrefix...)
	out = append(out, sep...)
	out = append(out, resp.Raw...)
	out = append(out, tail...)
	return out
}
