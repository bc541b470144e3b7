// Package notify builds and sends failure notifications. Sending is best
// effort: a notification failure must never mask the orchestration failure
// that triggered it.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// Sender delivers a rendered notification.
type Sender interface {
	Send(ctx context.Context, subject, htmlBody string) error
}

// HTTPSender posts notifications to an email relay endpoint.
type HTTPSender struct {
	endpoint string
	from     string
	to       string
	http     *http.Client
}

// NewHTTPSender creates a sender for the given relay endpoint.
func NewHTTPSender(endpoint, from, to string) *HTTPSender {
	return &HTTPSender{
		endpoint: endpoint,
		from:     from,
		to:       to,
		http:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts the message to the relay.
func (s *HTTPSender) Send(ctx context.Context, subject, htmlBody string) error {
	payload, err := json.Marshal(map[string]string{
		"from":    s.from,
		"to":      s.to,
		"subject": subject,
		"html":    htmlBody,
	})
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build email request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("email relay returned %d", resp.StatusCode)
	}
	return nil
}

var orchestratorFailurePattern = regexp.MustCompile(`Orchestrator function '([^']+)' failed:\s*`)

// ParseFailure splits an orchestration failure message into the chain of
// failing orchestrator names (outermost first) and the root cause text.
func ParseFailure(errText string) (chain []string, root string) {
	matches := orchestratorFailurePattern.FindAllStringSubmatchIndex(errText, -1)
	for _, m := range matches {
		chain = append(chain, errText[m[2]:m[3]])
	}
	if len(matches) > 0 {
		root = strings.TrimSpace(errText[matches[len(matches)-1][1]:])
	} else {
		root = strings.TrimSpace(errText)
	}
	return chain, root
}

// BuildFailureEmail renders the HTML failure report for one audience build.
func BuildFailureEmail(audienceID, errText string) (subject, htmlBody string) {
	chain, root := ParseFailure(errText)

	var b strings.Builder
	b.WriteString("<html><body>")
	fmt.Fprintf(&b, "<h2>Audience build failed</h2>")
	fmt.Fprintf(&b, "<p>Audience: <b>%s</b></p>", html.EscapeString(audienceID))

	if len(chain) > 0 {
		b.WriteString("<p>Failure chain:</p><ol>")
		for _, name := range chain {
			fmt.Fprintf(&b, "<li><code>%s</code></li>", html.EscapeString(name))
		}
		b.WriteString("</ol>")
	}

	fmt.Fprintf(&b, "<p>Cause:</p><pre>%s</pre>", html.EscapeString(root))
	b.WriteString("</body></html>")

	subject = fmt.Sprintf("Audience build failed: %s", audienceID)
	return subject, b.String()
}
