package retrieval

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/dez2003/bio-for-dummies/internal/agent"
)

// UniProt returns the top UniProtKB entry for a term.
type UniProt struct {
	HTTPClient *http.Client
	BaseURL    string
}

func NewUniProt() *UniProt {
	return &UniProt{HTTPClient: defaultHTTPClient(), BaseURL: "https://rest.uniprot.org"}
}

func (u *UniProt) Name() string { return "uniprot" }

type uniprotSearch struct {
	Results []struct {
		PrimaryAccession   string `json:"primaryAccession"`
		ProteinDescription struct {
			RecommendedName struct {
				FullName struct {
					Value string `json:"value"`
				} `json:"fullName"`
			} `json:"recommendedName"`
		} `json:"proteinDescription"`
		Comments []struct {
			CommentType string `json:"commentType"`
			Texts       []struct {
				Value string `json:"value"`
			} `json:"texts"`
		} `json:"comments"`
	} `json:"results"`
}

func (u *UniProt) Lookup(ctx context.Context, term string) ([]agent.SourceResult, error) {
	q := url.Values{}
	q.Set("query", term)
	q.Set("size", "1")
	q.Set("format", "json")
	var res uniprotSearch
	found, err := getJSON(ctx, u.HTTPClient, u.BaseURL+"/uniprotkb/search?"+q.Encode(), &res)
	if err != nil || !found || len(res.Results) == 0 {
		return nil, err
	}
	entry := res.Results[0]
	if entry.PrimaryAccession == "" {
		return nil, nil
	}
	name := entry.ProteinDescription.RecommendedName.FullName.Value
	if name == "" {
		name = term
	}
	var function string
	for _, c := range entry.Comments {
		if c.CommentType == "FUNCTION" && len(c.Texts) > 0 {
			function = plainText(c.Texts[0].Value)
			break
		}
	}
	return []agent.SourceResult{{
		Title:   fmt.Sprintf("%s (%s)", name, entry.PrimaryAccession),
		URL:     "https://www.uniprot.org/uniprotkb/" + entry.PrimaryAccession,
		Snippet: truncate(function, 200),
	}}, nil
}
