package utils

import (
	"bytes"
	"io"
	"net/http"
	"regexp"
	"strings"

	"tutor-backend/pkg/logger"

	"github.com/sirupsen/logrus"
)

// maxLoggedBody caps how much of a request body is written to the log.
// Inline images make bodies large.
const maxLoggedBody = 4096

var sensitiveHeaders = map[string]bool{
	"authorization":  true,
	"x-api-key":      true,
	"x-goog-api-key": true,
	"x-auth-token":   true,
	"cookie":         true,
}

var sensitiveJSONField = regexp.MustCompile(`(?i)("(?:api_?key|password|secret|token)"\s*:\s*)"[^"]*"`)

// DebugTransport logs outgoing POST requests with credentials redacted.
type DebugTransport struct {
	base http.RoundTripper
	log  *logrus.Entry
}

func NewDebugTransport(base http.RoundTripper, name string) *DebugTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &DebugTransport{
		base: base,
		log:  logger.WithField("backend", name),
	}
}

func (t *DebugTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method == http.MethodPost {
		t.logRequest(req)
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		t.log.Errorf("Request to %s failed: %v", req.URL.Host, err)
	} else {
		t.log.Debugf("Response from %s: %s", req.URL.Host, resp.Status)
	}
	return resp, err
}

func (t *DebugTransport) logRequest(req *http.Request) {
	fields := logrus.Fields{
		"method": req.Method,
		"url":    req.URL.String(),
	}
	for name, values := range req.Header {
		if sensitiveHeaders[strings.ToLower(name)] {
			fields["header."+name] = "[REDACTED]"
		} else {
			fields["header."+name] = strings.Join(values, ", ")
		}
	}

	if req.Body != nil {
		body, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			t.log.WithFields(fields).Errorf("Failed to read request body: %v", err)
			req.Body = io.NopCloser(bytes.NewReader(nil))
			return
		}
		req.Body = io.NopCloser(bytes.NewReader(body))
		fields["body_bytes"] = len(body)
		fields["body"] = RedactBody(body)
	}

	t.log.WithFields(fields).Info("Outgoing model request")
}

// RedactBody masks credential-looking JSON fields and truncates long bodies.
func RedactBody(body []byte) string {
	s := sensitiveJSONField.ReplaceAllString(string(body), `$1"[REDACTED]"`)
	if len(s) > maxLoggedBody {
		s = s[:maxLoggedBody] + "...(truncated)"
	}
	return s
}
