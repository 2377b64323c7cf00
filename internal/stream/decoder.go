// Package stream turns a chunked byte stream into an ordered sequence of
// terminator-delimited lines and parses each line into a phase event.
//
// Chunk boundaries are arbitrary. A multi-byte character split across two
// chunks is held back until its remaining bytes arrive, a line is never
// yielded before its terminator is seen, and a final line without a
// trailing terminator is still yielded when the source closes cleanly.
package stream

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// DefaultChunkSize is the read size used by Lines when none is given.
const DefaultChunkSize = 4096

const transformBufSize = 4096

// Decoder is an incremental line splitter. It is not safe for concurrent
// use; each stream owns its own Decoder.
type Decoder struct {
	terminator string
	text       transform.Transformer

	// pending holds bytes of an incomplete character awaiting the next chunk.
	pending []byte
	acc     strings.Builder
	buf     []byte
}

// NewDecoder returns a decoder splitting on terminator ("\n" when empty).
// A leading UTF-8 byte order mark is stripped and invalid sequences are
// replaced with U+FFFD.
func NewDecoder(terminator string) *Decoder {
	if terminator == "" {
		terminator = "\n"
	}
	return &Decoder{
		terminator: terminator,
		text:       unicode.UTF8BOM.NewDecoder(),
		buf:        make([]byte, transformBufSize),
	}
}

// Feed decodes chunk and returns every line completed by it, in order.
func (d *Decoder) Feed(chunk []byte) ([]string, error) {
	if err := d.decode(chunk, false); err != nil {
		return nil, err
	}
	return d.split(), nil
}

// Flush finalizes the decoder at end of stream and returns the remaining
// lines, including a final unterminated one if it is non-empty. The decoder
// is reset and may be reused for a new stream.
func (d *Decoder) Flush() ([]string, error) {
	defer d.reset()

	if err := d.decode(nil, true); err != nil {
		return nil, err
	}
	lines := d.split()
	if rest := d.acc.String(); rest != "" {
		lines = append(lines, rest)
	}
	return lines, nil
}

// decode runs the transformer over pending+chunk and appends the decoded
// text to the accumulator. Incomplete trailing bytes are kept when atEOF is
// false.
func (d *Decoder) decode(chunk []byte, atEOF bool) error {
	src := chunk
	if len(d.pending) > 0 {
		src = append(d.pending, chunk...)
	}

	for {
		nDst, nSrc, err := d.text.Transform(d.buf, src, atEOF)
		d.acc.Write(d.buf[:nDst])
		src = src[nSrc:]

		switch {
		case err == nil:
			d.pending = d.pending[:0]
			return nil
		case errors.Is(err, transform.ErrShortDst):
			continue
		case errors.Is(err, transform.ErrShortSrc) && !atEOF:
			d.pending = bytes.Clone(src)
			return nil
		default:
			return fmt.Errorf("decode stream text: %w", err)
		}
	}
}

// split removes every complete line from the accumulator.
func (d *Decoder) split() []string {
	text := d.acc.String()
	if !strings.Contains(text, d.terminator) {
		return nil
	}
	parts := strings.Split(text, d.terminator)
	rest := parts[len(parts)-1]
	d.acc.Reset()
	d.acc.WriteString(rest)
	return parts[:len(parts)-1]
}

func (d *Decoder) reset() {
	d.pending = nil
	d.acc.Reset()
	d.text.Reset()
}

// Lines lazily reads r in chunks of chunkSize and yields each line in
// stream order. On clean EOF the final unterminated piece is yielded if
// non-empty. A read error is yielded once, after every line completed
// before it, and ends the sequence.
func Lines(r io.Reader, terminator string, chunkSize int) iter.Seq2[string, error] {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return func(yield func(string, error) bool) {
		dec := NewDecoder(terminator)
		buf := make([]byte, chunkSize)
		for {
			n, readErr := r.Read(buf)
			if n > 0 {
				lines, err := dec.Feed(buf[:n])
				if err != nil {
					yield("", err)
					return
				}
				for _, line := range lines {
					if !yield(line, nil) {
						return
					}
				}
			}

			if errors.Is(readErr, io.EOF) {
				lines, err := dec.Flush()
				if err != nil {
					yield("", err)
					return
				}
				for _, line := range lines {
					if !yield(line, nil) {
						return
					}
				}
				return
			}
			if readErr != nil {
				yield("", readErr)
				return
			}
		}
	}
}
