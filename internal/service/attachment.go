package service

import (
	"bytes"
	"errors"
	"fmt"
	"mime"
	"strings"

	"tutor-backend/internal/model"

	"github.com/PuerkitoBio/goquery"
	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

var ErrAttachmentTooLarge = errors.New("attachment exceeds the upload limit")

const (
	fileBlockStart = "\n\n--- Start of Uploaded File: %s ---\n\n"
	fileBlockEnd   = "\n\n--- End of Uploaded File ---"
)

// DetectMediaType fills in the attachment's media type from its content when
// the client sent none or only the generic octet-stream type.
func DetectMediaType(file *model.Attachment) {
	if file == nil {
		return
	}
	if file.MediaType != "" && file.MediaType != "application/octet-stream" {
		return
	}
	file.MediaType = mimetype.Detect(file.Data).String()
}

// BuildMessageParts assembles the outbound prompt: the user's text followed by
// the attachment, either as inline image bytes or as a delimited text block.
func BuildMessageParts(text string, file *model.Attachment, maxBytes int64) ([]model.TurnPart, error) {
	parts := make([]model.TurnPart, 0, 2)
	if text != "" || file == nil {
		parts = append(parts, model.TextPart(text))
	}
	if file == nil {
		return parts, nil
	}

	if maxBytes > 0 && int64(len(file.Data)) > maxBytes {
		return nil, fmt.Errorf("%w: %s is %d bytes, limit is %d", ErrAttachmentTooLarge, file.Name, len(file.Data), maxBytes)
	}

	mediaType, params := parseMediaType(file.MediaType)
	if strings.HasPrefix(mediaType, "image/") {
		return append(parts, model.BinaryPart(mediaType, file.Data)), nil
	}

	content, err := decodeText(file.Data, params["charset"])
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", file.Name, err)
	}
	if mediaType == "text/html" {
		if content, err = visibleText(content); err != nil {
			return nil, fmt.Errorf("read %s: %w", file.Name, err)
		}
	}

	block := fmt.Sprintf(fileBlockStart, file.Name) + content + fileBlockEnd
	return append(parts, model.TextPart(block)), nil
}

func parseMediaType(v string) (string, map[string]string) {
	mediaType, params, err := mime.ParseMediaType(v)
	if err != nil {
		base, _, _ := strings.Cut(v, ";")
		return strings.ToLower(strings.TrimSpace(base)), map[string]string{}
	}
	return mediaType, params
}

// decodeText converts file bytes to UTF-8. A byte order mark wins over the
// declared charset; invalid sequences become U+FFFD.
func decodeText(data []byte, charset string) (string, error) {
	var enc encoding.Encoding = unicode.UTF8
	if charset != "" {
		if e, err := htmlindex.Get(charset); err == nil {
			enc = e
		}
	}

	out, _, err := transform.Bytes(unicode.BOMOverride(enc.NewDecoder()), data)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// visibleText returns the readable text of an HTML document, one line per
// non-blank line.
func visibleText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}
	doc.Find("script, style, noscript, template").Remove()

	var b bytes.Buffer
	for _, line := range strings.Split(doc.Find("body").Text(), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)
	}
	return b.String(), nil
}
