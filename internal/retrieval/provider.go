// Package retrieval looks a query term up in public biomedical sources.
package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/dez2003/bio-for-dummies/internal/agent"
)

const userAgent = "BioForDummies/1.0"

// Provider looks a term up in one source. An empty result means absent.
type Provider interface {
	Name() string
	Lookup(ctx context.Context, term string) ([]agent.SourceResult, error)
}

func defaultHTTPClient() *http.Client { return &http.Client{Timeout: 5 * time.Second} }

// getJSON issues a GET and decodes a 2xx JSON body into out. found is false
// for 404 so callers can treat it as absence rather than failure.
func getJSON(ctx context.Context, client *http.Client, endpoint string, out any) (found bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, fmt.Errorf("status=%d body=%s", resp.StatusCode, string(b))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("decode: %w", err)
	}
	return true, nil
}

// plainText strips markup such as <i>gene</i> from titles and abstracts.
func plainText(s string) string {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, "<") {
		return s
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return s
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}

// truncate cuts s to n runes and marks the cut with an ellipsis.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}

var questionPrefixes = []string{
	"what is the", "what are the", "what is", "what are", "what's", "whats",
	"tell me about", "explain", "define", "who is", "how does", "how do",
}

// SearchTerm reduces a spoken question to the phrase worth looking up,
// e.g. "What are mitochondria?" -> "mitochondria".
func SearchTerm(query string) string {
	t := strings.TrimSpace(query)
	t = strings.TrimRight(t, "?!. ")
	lower := strings.ToLower(t)
	for _, p := range questionPrefixes {
		if strings.HasPrefix(lower, p+" ") {
			t = strings.TrimSpace(t[len(p):])
			break
		}
	}
	if rest, ok := cutPrefixFold(t, "a "); ok {
		t = rest
	} else if rest, ok := cutPrefixFold(t, "an "); ok {
		t = rest
	}
	if t == "" {
		return strings.TrimSpace(query)
	}
	return t
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) > len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		return s[len(prefix):], true
	}
	return s, false
}
