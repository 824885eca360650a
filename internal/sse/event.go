package sse

import (
	"io"
	"strings"
)

// Type is the single-character event discriminator.
type Type byte

const (
	TypeWorkspaceHint  Type = 'W'
	TypeInitialState   Type = '0' // call active
	TypeInitialIdle    Type = '1' // no active call
	TypeAck            Type = 'A'
	TypeThought        Type = 'T'
	TypeModelText      Type = 'M'
	TypeFunctionCall   Type = 'F'
	TypeFunctionResp   Type = 'R'
	TypeInlineData     Type = 'I'
	TypeTokenCount     Type = 'C'
	TypePendingConfirm Type = 'P'
	TypeGeneration     Type = 'G'
	TypeSessionName    Type = 'N'
	TypeComplete       Type = 'Q'
	TypePing           Type = '.'
	TypeError          Type = 'E'
)

// Event is one wire event. The payload may contain newlines; they are
// split over multiple data: lines on the wire and rejoined by the
// client.
type Event struct {
	Type    Type
	Payload string
}

// Terminal reports whether the event ends the stream for a turn.
func (e Event) Terminal() bool {
	return e.Type == TypeComplete || e.Type == TypeError || e.Type == TypePendingConfirm
}

// Encode writes the event in wire form: a data: line carrying the type
// character, one data: line per payload line, then a blank line.
func (e Event) Encode() []byte {
	var b strings.Builder
	b.WriteString("data: ")
	b.WriteByte(byte(e.Type))
	b.WriteByte('\n')
	if e.Payload != "" {
		for _, line := range strings.Split(e.Payload, "\n") {
			b.WriteString("data: ")
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	b.WriteByte('\n')
	return []byte(b.String())
}

// WriteTo encodes and writes the event.
func (e Event) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(e.Encode())
	return int64(n), err
}

// SplitOnceByNewline splits s at the first newline. Used for payloads
// whose first line is an id and whose remainder is free text.
func SplitOnceByNewline(s string) (first, rest string, found bool) {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i], s[i+1:], true
	}
	return s, "", false
}
