package pipeline

import (
	"context"
	"fmt"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/vmrs-cli/internal/model"
	"github.com/sells-group/vmrs-cli/internal/oracle"
	"github.com/sells-group/vmrs-cli/internal/search"
	"github.com/sells-group/vmrs-cli/internal/textmatch"
)

// Compile-time interface checks.
var (
	_ oracle.Oracle   = (*StubOracle)(nil)
	_ search.Searcher = (*search.Static)(nil)
)

// StubOracle answers every stage deterministically from the request
// payload by string similarity against the catalog. It backs --offline
// runs and needs no network.
type StubOracle struct {
	catalog *model.Catalog
}

// NewStubOracle creates a StubOracle over catalog.
func NewStubOracle(catalog *model.Catalog) *StubOracle {
	return &StubOracle{catalog: catalog}
}

// Complete implements oracle.Oracle.
func (s *StubOracle) Complete(ctx context.Context, req oracle.Request) (*oracle.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var body any
	switch p := req.Payload.(type) {
	case RouterPayload:
		body = s.route(p)
	case SynthesisPayload:
		body = synthesize(p)
	case MappingPayload:
		body = mapBySimilarity(p)
	default:
		return nil, eris.Errorf("stub oracle: unsupported payload %T for stage %s", req.Payload, req.Stage)
	}
	text := mustJSON(body)
	return &oracle.Response{
		Text:  text,
		Model: "stub",
		Usage: oracle.Usage{InputTokens: int64(len(req.Prompt) / 4), OutputTokens: int64(len(text) / 4)},
	}, nil
}

type scored struct {
	id    string
	score int
}

func (s *StubOracle) route(p RouterPayload) routerResponse {
	resp := routerResponse{Classifications: make([]Classification, len(p.Items))}
	for i, it := range p.Items {
		var ranks []scored
		for _, c := range p.Categories {
			best := 0.0
			for _, e := range s.catalog.Slice(c.ID).Entries() {
				best = max(best, textmatch.Similarity(it.ItemName, e.Description))
			}
			ranks = append(ranks, scored{id: c.ID, score: int(best * 100)})
		}
		sort.SliceStable(ranks, func(a, b int) bool { return ranks[a].score > ranks[b].score })

		c := Classification{Ref: it.Ref, Notes: "similarity to catalog descriptions"}
		if len(ranks) > 0 {
			c.Primary, c.PrimaryConfidence = ranks[0].id, ranks[0].score
		}
		if len(ranks) > 1 && ranks[1].score > 0 {
			c.Secondary, c.SecondaryConfidence = ranks[1].id, ranks[1].score
		}
		resp.Classifications[i] = c
	}
	return resp
}

func synthesize(p SynthesisPayload) synthesisResponse {
	conf := 50
	if p.SearchText != "" {
		conf = 75
	}
	return synthesisResponse{
		Description: fmt.Sprintf("%s (%s)", p.ItemName, formatAttributes(p.Attributes)),
		Confidence:  conf,
	}
}

func mapBySimilarity(p MappingPayload) mappingResponse {
	subject := p.ItemName
	if p.Enriched != nil && p.Enriched.Description != "" {
		subject = p.Enriched.Description
	}
	ranks := make([]scored, 0, len(p.Catalog))
	for _, e := range p.Catalog {
		sim := max(textmatch.Similarity(p.ItemName, e.Description), textmatch.Similarity(subject, e.Description))
		ranks = append(ranks, scored{id: e.Code, score: int(sim * 100)})
	}
	sort.SliceStable(ranks, func(a, b int) bool { return ranks[a].score > ranks[b].score })

	resp := mappingResponse{Reasoning: "closest catalog description"}
	if len(ranks) == 0 {
		return resp
	}
	resp.Code, resp.Confidence = ranks[0].id, ranks[0].score
	for _, r := range ranks[1:min(len(ranks), 3)] {
		resp.AlternativeCodes = append(resp.AlternativeCodes, r.id)
	}
	return resp
}

// NewStubSearcher returns a Searcher that echoes the query as its result
// text, so attribute extraction still sees the item name.
func NewStubSearcher() *search.Static {
	return &search.Static{Fallback: func(query string) (string, error) { return query, nil }}
}
