package retrieval

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/dez2003/bio-for-dummies/internal/agent"
)

// PubMed searches NCBI E-utilities for the most relevant articles.
type PubMed struct {
	HTTPClient *http.Client
	BaseURL    string
	MaxResults int
}

func NewPubMed() *PubMed {
	return &PubMed{
		HTTPClient: defaultHTTPClient(),
		BaseURL:    "https://eutils.ncbi.nlm.nih.gov/entrez/eutils",
		MaxResults: 3,
	}
}

func (p *PubMed) Name() string { return "pubmed" }

type esearchResponse struct {
	Result struct {
		IDList []string `json:"idlist"`
	} `json:"esearchresult"`
}

type esummaryArticle struct {
	Title  string `json:"title"`
	Source string `json:"source"`
}

func (p *PubMed) Lookup(ctx context.Context, term string) ([]agent.SourceResult, error) {
	q := url.Values{}
	q.Set("db", "pubmed")
	q.Set("term", term)
	q.Set("retmax", strconv.Itoa(p.MaxResults))
	q.Set("sort", "relevance")
	q.Set("retmode", "json")
	var search esearchResponse
	found, err := getJSON(ctx, p.HTTPClient, p.BaseURL+"/esearch.fcgi?"+q.Encode(), &search)
	if err != nil || !found || len(search.Result.IDList) == 0 {
		return nil, err
	}
	ids := search.Result.IDList

	q = url.Values{}
	q.Set("db", "pubmed")
	q.Set("id", strings.Join(ids, ","))
	q.Set("retmode", "json")
	var summary struct {
		Result map[string]json.RawMessage `json:"result"`
	}
	found, err = getJSON(ctx, p.HTTPClient, p.BaseURL+"/esummary.fcgi?"+q.Encode(), &summary)
	if err != nil || !found {
		return nil, err
	}

	out := make([]agent.SourceResult, 0, len(ids))
	for _, id := range ids {
		raw, ok := summary.Result[id]
		if !ok {
			continue
		}
		var a esummaryArticle
		if err := json.Unmarshal(raw, &a); err != nil {
			continue
		}
		title := plainText(a.Title)
		if title == "" {
			continue
		}
		out = append(out, agent.SourceResult{
			Title:   title,
			URL:     "https://pubmed.ncbi.nlm.nih.gov/" + id + "/",
			Snippet: plainText(a.Source),
		})
	}
	return out, nil
}
