// Package parser derives the normalized webhook payload from the raw RFC 5322
// bytes accumulated during an SMTP DATA phase.
package parser

import (
	"bytes"
	"log/slog"
	"mime"
	"net/mail"
	"strings"

	"github.com/jhillyerd/enmime"
	"github.com/mattn/godown"

	"github.com/maillaser/maillaser/internal/email"
)

// Extract builds an email.Payload from raw message bytes. sender and
// recipient come from the SMTP envelope, not from the message headers.
// headerPrefixes selects additional headers to pass through; empty disables
// passthrough.
//
// Malformed MIME degrades to treating the whole body as a single text/plain
// part. The returned error is always nil: input enmime rejects is read by
// scanning the raw header block and taking the rest as the body.
func Extract(raw []byte, sender, recipient string, headerPrefixes []string) (*email.Payload, error) {
	payload := &email.Payload{
		Sender:    sender,
		Recipient: recipient,
	}

	var subject, from, textBody, htmlBody string

	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		slog.Warn("mime parse failed, falling back to plain text", "error", err)
		subject, from, textBody = parsePlain(raw)
	} else {
		subject = env.GetHeader("Subject")
		from = env.GetHeader("From")
		htmlBody = env.HTML
		// When no HTML part exists, env.Text is the first text/plain part;
		// with HTML present the body is rendered from it instead.
		textBody = env.Text
	}

	payload.Subject = sanitize(subject)
	payload.SenderName = displayName(from)
	payload.HTMLBody = sanitize(htmlBody)

	switch {
	case htmlBody != "":
		payload.Body = renderHTML(htmlBody)
	case textBody != "":
		payload.Body = sanitize(strings.TrimRight(textBody, "\r\n"))
	}

	if len(headerPrefixes) > 0 {
		payload.Headers = matchHeaders(raw, headerPrefixes)
	}

	return payload, nil
}

// displayName extracts the display-name portion of a From header value.
// Returns the empty string when the header holds only an address.
func displayName(from string) string {
	if from == "" {
		return ""
	}
	addr, err := mail.ParseAddress(from)
	if err != nil {
		return ""
	}
	return sanitize(strings.TrimSpace(addr.Name))
}

// wrapWidth is the column at which rendered HTML bodies wrap.
const wrapWidth = 80

// renderHTML converts an HTML body into its Markdown-flavored text form:
// bold becomes **bold**, links become [text](url), scripts and styles are
// dropped. Lines wrap at wrapWidth columns. Render errors degrade to an
// empty body.
func renderHTML(html string) string {
	var buf bytes.Buffer
	if err := godown.Convert(&buf, strings.NewReader(html), nil); err != nil {
		slog.Warn("html rendering failed, emitting empty body", "error", err)
		return ""
	}
	wrapped := wrapLines(buf.String(), wrapWidth)
	return sanitize(strings.TrimRight(wrapped, "\r\n"))
}

// wrapLines re-wraps every line of s at word boundaries so none exceeds
// width columns. Words longer than width are left intact.
func wrapLines(s string, width int) string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		out = append(out, wrapLine(line, width)...)
	}
	return strings.Join(out, "\n")
}

func wrapLine(line string, width int) []string {
	if len(line) <= width {
		return []string{line}
	}
	words := strings.Fields(line)
	if len(words) == 0 {
		return []string{line}
	}
	wrapped := make([]string, 0, len(line)/width+1)
	current := words[0]
	for _, word := range words[1:] {
		if len(current)+1+len(word) > width {
			wrapped = append(wrapped, current)
			current = word
			continue
		}
		current += " " + word
	}
	return append(wrapped, current)
}

// parsePlain is the degraded path for messages enmime rejects outright:
// the header block is scanned literally and everything after the first blank
// line is the plain-text body.
func parsePlain(raw []byte) (subject, from, body string) {
	headers, bodyStart := scanHeaderBlock(raw)
	for _, h := range headers {
		switch {
		case subject == "" && strings.EqualFold(h.name, "Subject"):
			subject = decodeHeaderValue(h.value)
		case from == "" && strings.EqualFold(h.name, "From"):
			from = decodeHeaderValue(h.value)
		}
	}
	body = strings.TrimRight(string(raw[bodyStart:]), "\r\n")
	return subject, from, body
}

// matchHeaders scans the raw header block and returns every header whose
// name, lowercased, starts with one of the configured prefixes (also
// lowercased). The original-case name is preserved; the value is decoded per
// RFC 2047. Returns nil when nothing matched so the map is omitted from JSON.
func matchHeaders(raw []byte, prefixes []string) map[string]string {
	lowered := make([]string, len(prefixes))
	for i, p := range prefixes {
		lowered[i] = strings.ToLower(p)
	}

	headers, _ := scanHeaderBlock(raw)
	var matched map[string]string
	for _, h := range headers {
		name := strings.ToLower(h.name)
		for _, prefix := range lowered {
			if strings.HasPrefix(name, prefix) {
				if matched == nil {
					matched = make(map[string]string)
				}
				matched[h.name] = decodeHeaderValue(h.value)
				break
			}
		}
	}
	return matched
}

// rawHeader is a single unfolded header line with its original-case name.
type rawHeader struct {
	name  string
	value string
}

// scanHeaderBlock walks the header section of a raw message, unfolding
// continuation lines, and returns the headers plus the offset where the body
// starts. Header canonicalization is deliberately avoided so names keep the
// exact case the sender used.
func scanHeaderBlock(raw []byte) ([]rawHeader, int) {
	var headers []rawHeader
	offset := 0

	for offset < len(raw) {
		end := bytes.IndexByte(raw[offset:], '\n')
		var line []byte
		next := len(raw)
		if end >= 0 {
			line = raw[offset : offset+end]
			next = offset + end + 1
		} else {
			line = raw[offset:]
		}
		line = bytes.TrimRight(line, "\r")

		if len(line) == 0 {
			// Blank line ends the header block; the body follows.
			offset = next
			break
		}

		if line[0] == ' ' || line[0] == '\t' {
			// Folded continuation of the previous header.
			if n := len(headers); n > 0 {
				headers[n-1].value += " " + string(bytes.TrimSpace(line))
			}
		} else if colon := bytes.IndexByte(line, ':'); colon > 0 {
			headers = append(headers, rawHeader{
				name:  string(bytes.TrimSpace(line[:colon])),
				value: string(bytes.TrimSpace(line[colon+1:])),
			})
		}
		offset = next
	}

	return headers, offset
}

// decodeHeaderValue decodes RFC 2047 encoded words, keeping the raw value
// when decoding fails.
func decodeHeaderValue(v string) string {
	dec := new(mime.WordDecoder)
	decoded, err := dec.DecodeHeader(v)
	if err != nil {
		return sanitize(v)
	}
	return sanitize(decoded)
}

// sanitize replaces invalid UTF-8 sequences with U+FFFD so payload fields
// always serialize cleanly.
func sanitize(s string) string {
	return strings.ToValidUTF8(s, "�")
}
