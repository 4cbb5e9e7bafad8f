package elm

import "strings"

// Prompt is the character the adapter prints when it is ready for the next command.
const Prompt = '>'

// Framer reassembles notify chunks into complete responses.
//
// Text accumulates until a prompt is seen; everything before it, trimmed, is one
// response. Bytes after the last prompt stay buffered for the next chunk.
// A Framer is not safe for concurrent use.
type Framer struct {
	buf strings.Builder
}

// Feed appends a chunk and returns every response it completed, in order.
// An adapter may coalesce several replies into one chunk.
func (f *Framer) Feed(chunk []byte) []string {
	var out []string
	text := string(chunk)
	for {
		idx := strings.IndexByte(text, Prompt)
		if idx == -1 {
			f.buf.WriteString(text)
			return out
		}
		f.buf.WriteString(text[:idx])
		out = append(out, strings.Trim(f.buf.String(), " \t\r\n\x00"))
		f.buf.Reset()
		text = text[idx+1:]
	}
}

// pending returns the buffered text that has not yet been terminated.
func (f *Framer) pending() string {
	return f.buf.String()
}

// Reset discards any partial response.
func (f *Framer) Reset() {
	f.buf.Reset()
}
