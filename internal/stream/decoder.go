package stream

import (
	"bytes"
	"strings"

	"tutor-backend/internal/model"
)

// Record is the outcome of decoding one newline-terminated line.
type Record struct {
	Line string
	Part model.ContentPart
	Err  error
}

func (r Record) Valid() bool {
	return r.Err == nil
}

// LineDecoder reassembles newline-delimited JSON records from text fragments
// split at arbitrary points. It is not safe for concurrent use.
type LineDecoder struct {
	buf []byte
	// scanned is the length of the buf prefix known to contain no newline.
	scanned int
}

func NewLineDecoder() *LineDecoder {
	return &LineDecoder{}
}

// Feed appends fragment and returns a record for every non-empty line it
// completes, in order. Text after the last newline is kept for the next call.
func (d *LineDecoder) Feed(fragment string) []Record {
	if fragment == "" {
		return nil
	}
	d.buf = append(d.buf, fragment...)

	var records []Record
	start := 0
	for {
		idx := bytes.IndexByte(d.buf[d.scanned:], '\n')
		if idx < 0 {
			break
		}
		end := d.scanned + idx
		line := strings.TrimSpace(string(d.buf[start:end]))
		start = end + 1
		d.scanned = start

		if line == "" {
			continue
		}
		part, err := DecodeLine(line)
		records = append(records, Record{Line: line, Part: part, Err: err})
	}

	if start > 0 {
		n := copy(d.buf, d.buf[start:])
		d.buf = d.buf[:n]
	}
	d.scanned = len(d.buf)

	return records
}

// Pending returns the number of buffered bytes not yet terminated by a newline.
func (d *LineDecoder) Pending() int {
	return len(d.buf)
}

// Flush resets the decoder and returns the trimmed unterminated remainder,
// if any. The remainder is never decoded.
func (d *LineDecoder) Flush() (string, bool) {
	rest := strings.TrimSpace(string(d.buf))
	d.buf = d.buf[:0]
	d.scanned = 0
	return rest, rest != ""
}
