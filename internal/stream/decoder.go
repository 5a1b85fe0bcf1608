package stream

import (
	"strings"
	"unicode/utf8"
)

const (
	frameDelimiter = "\n\n"

	// DefaultMaxFrameSize bounds how much undelimited text the decoder buffers.
	DefaultMaxFrameSize = 256 * 1024
)

// FrameDecoder turns raw body chunks into complete frames.
//
// Bytes of a multi-byte character split across two chunks are carried over
// until the character is complete. Text is buffered until a blank line ends
// the frame. A frame longer than the size limit is dropped and counted in
// Oversized, whether it arrives whole or grows past the limit while buffered.
type FrameDecoder struct {
	maxFrame int

	carry      []byte
	buf        strings.Builder
	discarding bool

	// Oversized counts frames dropped for exceeding the size limit.
	Oversized int
}

// NewFrameDecoder creates a decoder. maxFrame <= 0 selects DefaultMaxFrameSize.
func NewFrameDecoder(maxFrame int) *FrameDecoder {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &FrameDecoder{maxFrame: maxFrame}
}

// Feed consumes one chunk and returns the frames it completed, in order.
func (d *FrameDecoder) Feed(chunk []byte) []string {
	if len(chunk) == 0 {
		return nil
	}

	data := chunk
	if len(d.carry) > 0 {
		data = append(d.carry, chunk...)
		d.carry = nil
	}

	complete, rest := splitIncompleteRune(data)
	if len(rest) > 0 {
		d.carry = append([]byte(nil), rest...)
	}

	return d.push(decodeUTF8(complete))
}

// Flush ends the stream. Carried bytes are decoded with replacement characters
// and any unterminated trailing frame is discarded.
func (d *FrameDecoder) Flush() []string {
	var frames []string
	if len(d.carry) > 0 {
		frames = d.push(decodeUTF8(d.carry))
		d.carry = nil
	}
	d.buf.Reset()
	d.discarding = false
	return frames
}

// Buffered reports how many decoded bytes wait for a frame delimiter.
func (d *FrameDecoder) Buffered() int {
	return d.buf.Len() + len(d.carry)
}

func (d *FrameDecoder) push(text string) []string {
	if text == "" {
		return nil
	}

	pending := d.buf.String() + text
	if strings.Contains(pending, "\r") {
		pending = strings.ReplaceAll(pending, "\r\n", "\n")
	}
	d.buf.Reset()

	var frames []string
	for {
		idx := strings.Index(pending, frameDelimiter)
		if idx < 0 {
			break
		}
		frame := pending[:idx]
		pending = pending[idx+len(frameDelimiter):]

		if d.discarding {
			d.discarding = false
			continue
		}
		if strings.TrimSpace(frame) == "" {
			continue
		}
		if len(frame) > d.maxFrame {
			d.Oversized++
			continue
		}
		frames = append(frames, frame)
	}

	// A trailing newline may be the first half of the delimiter.
	if len(strings.TrimRight(pending, "\r\n")) > d.maxFrame {
		if !d.discarding {
			d.Oversized++
		}
		d.discarding = true
		// Keep a trailing CR or LF in case the delimiter straddles chunks.
		pending = keepDelimiterTail(pending)
	}
	d.buf.WriteString(pending)

	return frames
}

func keepDelimiterTail(s string) string {
	switch {
	case strings.HasSuffix(s, "\r\n"), strings.HasSuffix(s, "\n"):
		return "\n"
	case strings.HasSuffix(s, "\r"):
		return "\r"
	default:
		return ""
	}
}

// splitIncompleteRune separates a trailing, not yet complete UTF-8 sequence.
func splitIncompleteRune(b []byte) (complete, rest []byte) {
	for i := 1; i < utf8.UTFMax && i <= len(b); i++ {
		start := len(b) - i
		if !utf8.RuneStart(b[start]) {
			continue
		}
		if !utf8.FullRune(b[start:]) {
			return b[:start], b[start:]
		}
		break
	}
	return b, nil
}

func decodeUTF8(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), string(utf8.RuneError))
}
