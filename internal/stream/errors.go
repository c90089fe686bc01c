package stream

import "errors"

var (
	// ErrMalformedLine means the line was not valid JSON.
	ErrMalformedLine = errors.New("malformed record line")
	// ErrInvalidRecord means the line was JSON but not an explanation or visual record.
	ErrInvalidRecord = errors.New("invalid record")
	// ErrTruncatedStream reports text left without a terminating newline at stream end.
	ErrTruncatedStream = errors.New("stream ended with an unterminated record")
)
