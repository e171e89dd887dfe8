package parser

import (
	"strings"
	"testing"
)

func TestExtract_PlainText(t *testing.T) {
	t.Parallel()

	raw := []byte("From: sender@example.com\r\n" +
		"To: inbox@example.com\r\n" +
		"Subject: Test Email\r\n" +
		"\r\n" +
		"This is a test email.\r\nIt has multiple lines.\r\n")

	p, err := Extract(raw, "sender@example.com", "inbox@example.com", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if p.Sender != "sender@example.com" {
		t.Errorf("Sender: got %q", p.Sender)
	}
	if p.Recipient != "inbox@example.com" {
		t.Errorf("Recipient: got %q", p.Recipient)
	}
	if p.Subject != "Test Email" {
		t.Errorf("Subject: got %q, want %q", p.Subject, "Test Email")
	}
	if p.Body != "This is a test email.\nIt has multiple lines." && p.Body != "This is a test email.\r\nIt has multiple lines." {
		t.Errorf("Body: got %q", p.Body)
	}
	if p.HTMLBody != "" {
		t.Errorf("HTMLBody: got %q, want empty", p.HTMLBody)
	}
	if p.SenderName != "" {
		t.Errorf("SenderName: got %q, want empty", p.SenderName)
	}
	if p.Headers != nil {
		t.Errorf("Headers: got %v, want nil", p.Headers)
	}
}

func TestExtract_SenderName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		from string
		want string
	}{
		{"display with brackets", "Alice <alice@example.com>", "Alice"},
		{"quoted display", `"Alice Smith" <alice@example.com>`, "Alice Smith"},
		{"address only", "alice@example.com", ""},
		{"bracketed address only", "<alice@example.com>", ""},
		{"encoded display", "=?utf-8?q?Andr=C3=A9?= <andre@example.com>", "André"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			raw := []byte("From: " + tt.from + "\r\nSubject: hi\r\n\r\nbody\r\n")
			p, err := Extract(raw, "alice@example.com", "inbox@example.com", nil)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p.SenderName != tt.want {
				t.Errorf("SenderName: got %q, want %q", p.SenderName, tt.want)
			}
		})
	}
}

func TestExtract_EncodedSubject(t *testing.T) {
	t.Parallel()

	raw := []byte("From: a@example.com\r\n" +
		"Subject: =?UTF-8?B?SGVsbG8gV8O2cmxk?=\r\n" +
		"\r\n" +
		"body\r\n")

	p, err := Extract(raw, "a@example.com", "inbox@example.com", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Subject != "Hello Wörld" {
		t.Errorf("Subject: got %q, want %q", p.Subject, "Hello Wörld")
	}
}

func TestExtract_MissingSubject(t *testing.T) {
	t.Parallel()

	raw := []byte("From: a@example.com\r\n\r\nbody\r\n")
	p, err := Extract(raw, "a@example.com", "inbox@example.com", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Subject != "" {
		t.Errorf("Subject: got %q, want empty", p.Subject)
	}
}

func TestExtract_HTMLBody(t *testing.T) {
	t.Parallel()

	raw := []byte("From: a@example.com\r\n" +
		"Subject: HTML\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		"<p><b>hi</b></p>\r\n")

	p, err := Extract(raw, "a@example.com", "inbox@example.com", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(p.HTMLBody, "<b>hi</b>") {
		t.Errorf("HTMLBody: got %q, want the original markup", p.HTMLBody)
	}
	if !strings.Contains(p.Body, "**hi**") {
		t.Errorf("Body: got %q, want rendered text containing %q", p.Body, "**hi**")
	}
}

func TestExtract_HTMLBodyWrapsAt80Columns(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("lorem ipsum dolor sit amet ", 20)
	raw := []byte("From: a@example.com\r\n" +
		"Subject: Wrap\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		"<p>" + long + "</p>\r\n")

	p, err := Extract(raw, "a@example.com", "inbox@example.com", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Body == "" {
		t.Fatal("Body is empty")
	}
	for i, line := range strings.Split(p.Body, "\n") {
		if len(line) > 80 {
			t.Errorf("line %d exceeds 80 columns (%d): %q", i, len(line), line)
		}
	}
	if got := strings.Count(p.Body, "lorem"); got != 20 {
		t.Errorf("wrapped body lost words: %d occurrences of %q, want 20", got, "lorem")
	}
}

func TestWrapLine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		line  string
		width int
		want  []string
	}{
		{"short line untouched", "hello world", 80, []string{"hello world"}},
		{"wraps at boundary", "aaa bbb ccc", 7, []string{"aaa bbb", "ccc"}},
		{"long word kept intact", "aaaaaaaaaa bb", 5, []string{"aaaaaaaaaa", "bb"}},
		{"whitespace only", "          ", 5, []string{"          "}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := wrapLine(tt.line, tt.width)
			if len(got) != len(tt.want) {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("line %d: got %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestExtract_MultipartAlternative(t *testing.T) {
	t.Parallel()

	raw := []byte("From: a@example.com\r\n" +
		"Subject: Multi\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/alternative; boundary=\"BOUNDARY\"\r\n" +
		"\r\n" +
		"--BOUNDARY\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"plain version\r\n" +
		"--BOUNDARY\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		"<p>html <a href=\"https://example.com\">link</a></p>\r\n" +
		"--BOUNDARY--\r\n")

	p, err := Extract(raw, "a@example.com", "inbox@example.com", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// HTML part wins for the body rendering; the link flattens to [text](url).
	if !strings.Contains(p.Body, "[link](https://example.com)") {
		t.Errorf("Body: got %q, want a [link](https://example.com) rendering", p.Body)
	}
	if !strings.Contains(p.HTMLBody, "<a href=") {
		t.Errorf("HTMLBody: got %q, want the original markup", p.HTMLBody)
	}
}

func TestExtract_HeaderPassthrough(t *testing.T) {
	t.Parallel()

	raw := []byte("From: a@example.com\r\n" +
		"X-Id-A: 1\r\n" +
		"X-SOURCE-B: 2\r\n" +
		"X-Other: 3\r\n" +
		"Subject: hi\r\n" +
		"\r\n" +
		"body\r\n")

	p, err := Extract(raw, "a@example.com", "inbox@example.com", []string{"X-Id", "X-Source"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := map[string]string{"X-Id-A": "1", "X-SOURCE-B": "2"}
	if len(p.Headers) != len(want) {
		t.Fatalf("Headers: got %v, want %v", p.Headers, want)
	}
	for k, v := range want {
		if p.Headers[k] != v {
			t.Errorf("Headers[%q]: got %q, want %q", k, p.Headers[k], v)
		}
	}
	if _, ok := p.Headers["X-Other"]; ok {
		t.Error("Headers should not contain X-Other")
	}
}

func TestExtract_HeaderPassthroughNoMatch(t *testing.T) {
	t.Parallel()

	raw := []byte("From: a@example.com\r\nX-Other: 3\r\n\r\nbody\r\n")
	p, err := Extract(raw, "a@example.com", "inbox@example.com", []string{"X-Id"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Headers != nil {
		t.Errorf("Headers: got %v, want nil so the field is omitted", p.Headers)
	}
}

func TestExtract_FoldedHeader(t *testing.T) {
	t.Parallel()

	raw := []byte("From: a@example.com\r\n" +
		"X-Id-Long: first part\r\n" +
		"\tsecond part\r\n" +
		"\r\n" +
		"body\r\n")

	p, err := Extract(raw, "a@example.com", "inbox@example.com", []string{"X-Id"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Headers["X-Id-Long"] != "first part second part" {
		t.Errorf("Headers[X-Id-Long]: got %q", p.Headers["X-Id-Long"])
	}
}

func TestExtract_EmptyBody(t *testing.T) {
	t.Parallel()

	raw := []byte("From: a@example.com\r\nSubject: empty\r\n\r\n")
	p, err := Extract(raw, "a@example.com", "inbox@example.com", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Body != "" {
		t.Errorf("Body: got %q, want empty string", p.Body)
	}
}

func TestExtract_InvalidUTF8(t *testing.T) {
	t.Parallel()

	raw := []byte("From: a@example.com\r\nSubject: bad\r\n\r\nbody \xff\xfe end\r\n")
	p, err := Extract(raw, "a@example.com", "inbox@example.com", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(p.Body, "body") || !strings.Contains(p.Body, "end") {
		t.Errorf("Body: got %q, want the readable runs preserved", p.Body)
	}
	if strings.Contains(p.Body, "\xff") {
		t.Error("Body still contains invalid UTF-8 bytes")
	}
}

func TestExtract_NullSender(t *testing.T) {
	t.Parallel()

	raw := []byte("Subject: bounce\r\n\r\nbody\r\n")
	p, err := Extract(raw, "", "inbox@example.com", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Sender != "" {
		t.Errorf("Sender: got %q, want empty string", p.Sender)
	}
}
