package model

import "time"

// EnrichedRecord is the research output for one escalated record. It is
// written once by enrichment and read-only afterwards.
type EnrichedRecord struct {
	ItemCode           string            `json:"item_code"`
	QuerySignature     string            `json:"query_signature"`
	Query              string            `json:"query"`
	Attributes         map[string]string `json:"attributes"`
	Description        string            `json:"description"`
	ResearchConfidence int               `json:"research_confidence"`
	CreatedAt          time.Time         `json:"created_at"`
	FromCache          bool              `json:"from_cache"`
}

// CacheConflict records a cache write that disagreed with the stored entry.
type CacheConflict struct {
	ItemCode           string    `json:"item_code"`
	QuerySignature     string    `json:"query_signature"`
	ExistingConfidence int       `json:"existing_confidence"`
	IncomingConfidence int       `json:"incoming_confidence"`
	Resolution         string    `json:"resolution"` // "replaced" or "kept"
	RunID              string    `json:"run_id,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// Cache conflict resolutions.
const (
	ConflictReplaced = "replaced"
	ConflictKept     = "kept"
)

// ValidatedExample is a historical, human-confirmed mapping.
type ValidatedExample struct {
	ItemCode      string `json:"item_code"`
	ItemName      string `json:"item_name"`
	Code          string `json:"code"`
	Confidence    int    `json:"confidence"`
	MatchType     string `json:"match_type,omitempty"`
	DateValidated string `json:"date_validated,omitempty"`
	CategoryID    string `json:"category_id"`
}

// ResolveCacheWrite decides whether incoming replaces existing for the same
// cache key. Higher research confidence wins and equal confidence goes to the
// later writer. A conflict is returned whenever the two entries differ, so
// neither a replacement nor a rejected write goes unrecorded.
func ResolveCacheWrite(existing, incoming *EnrichedRecord, now time.Time) (replace bool, conflict *CacheConflict) {
	if existing == nil {
		return true, nil
	}
	replace = incoming.ResearchConfidence >= existing.ResearchConfidence
	if sameEnrichment(existing, incoming) {
		return replace, nil
	}
	resolution := ConflictKept
	if replace {
		resolution = ConflictReplaced
	}
	return replace, &CacheConflict{
		ItemCode:           incoming.ItemCode,
		QuerySignature:     incoming.QuerySignature,
		ExistingConfidence: existing.ResearchConfidence,
		IncomingConfidence: incoming.ResearchConfidence,
		Resolution:         resolution,
		CreatedAt:          now,
	}
}

func sameEnrichment(a, b *EnrichedRecord) bool {
	if a.Description != b.Description || a.ResearchConfidence != b.ResearchConfidence || len(a.Attributes) != len(b.Attributes) {
		return false
	}
	for k, v := range a.Attributes {
		if b.Attributes[k] != v {
			return false
		}
	}
	return true
}
