package retrieval

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/dez2003/bio-for-dummies/internal/agent"
)

// Wikipedia reads the REST page summary for a term.
type Wikipedia struct {
	HTTPClient *http.Client
	BaseURL    string
}

func NewWikipedia() *Wikipedia {
	return &Wikipedia{HTTPClient: defaultHTTPClient(), BaseURL: "https://en.wikipedia.org"}
}

func (w *Wikipedia) Name() string { return "wikipedia" }

type wikiSummary struct {
	Title       string `json:"title"`
	Extract     string `json:"extract"`
	ContentURLs struct {
		Desktop struct {
			Page string `json:"page"`
		} `json:"desktop"`
	} `json:"content_urls"`
}

func (w *Wikipedia) Lookup(ctx context.Context, term string) ([]agent.SourceResult, error) {
	escaped := url.PathEscape(strings.ReplaceAll(term, " ", "_"))
	var s wikiSummary
	found, err := getJSON(ctx, w.HTTPClient, w.BaseURL+"/api/rest_v1/page/summary/"+escaped, &s)
	if err != nil || !found {
		return nil, err
	}
	extract := plainText(s.Extract)
	if extract == "" {
		return nil, nil
	}
	title := plainText(s.Title)
	if title == "" {
		title = term
	}
	link := s.ContentURLs.Desktop.Page
	if link == "" {
		link = "https://en.wikipedia.org/wiki/" + escaped
	}
	return []agent.SourceResult{{Title: title, URL: link, Snippet: extract}}, nil
}
