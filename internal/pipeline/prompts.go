package pipeline

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/sells-group/vmrs-cli/internal/model"
	"github.com/sells-group/vmrs-cli/internal/rules"
)

const routerSystemPrompt = `You classify vehicle parts into VMRS systems. You are given the operator's system list (id and name) and a numbered list of parts. For every part, choose the most likely system and, when a second system is plausible, the runner-up with its own confidence. Use only the listed system ids. Confidence is an integer from 0 to 100.

Respond with a valid JSON object:
{"classifications": [{"ref": <number>, "primary": "<system id>", "primary_confidence": <0-100>, "secondary": "<system id or empty>", "secondary_confidence": <0-100>, "notes": "<brief reason>"}]}
Return exactly one entry per ref.`

const routerUserPrompt = `VMRS systems:
%s

Parts:
%s`

const synthesisSystemPrompt = `You are a heavy-duty vehicle parts researcher. Summarize what a part is from search results: component type, position, duty rating and application. Be factual; do not guess part numbers. Confidence is an integer from 0 to 100 reflecting how well the results identify the part.

Respond with a valid JSON object:
{"description": "<concise description>", "confidence": <0-100>}`

const synthesisUserPrompt = `System %s (%s)
Part code: %s
Part name: %s
Extracted attributes: %s

Search results:
%s`

const mappingSystemPrompt = `You map a researched vehicle part to exactly one code from the operator's VMRS catalog for system %s (%s). Only codes from the list below are valid; never invent a code.

Confidence bands: 95-100 direct functional match with unambiguous application; 85-94 functional match with ambiguous application; below 85 uncertain.

%s
Catalog:
%s

Respond with a valid JSON object:
{"code": "<catalog code>", "confidence": <0-100>, "alternative_codes": ["<catalog code>"], "reasoning": "<brief explanation>"}`

const mappingUserPrompt = `Part code: %s
Part name: %s
Attributes: %s
Research summary: %s`

// RouterItem is one record in a router request. Ref is the position within
// the request, so duplicate item codes stay unambiguous.
type RouterItem struct {
	Ref      int    `json:"ref"`
	ItemCode string `json:"item_code"`
	ItemName string `json:"item_name"`
}

// RouterPayload is the structured input of a router request.
type RouterPayload struct {
	Categories []model.Category
	Items      []RouterItem
}

// SynthesisPayload is the structured input of a synthesis request.
type SynthesisPayload struct {
	CategoryID string
	ItemCode   string
	ItemName   string
	Attributes map[string]string
	SearchText string
}

// MappingPayload is the structured input of a mapping request.
type MappingPayload struct {
	CategoryID string
	ItemCode   string
	ItemName   string
	Enriched   *model.EnrichedRecord
	Catalog    []model.CatalogEntry
}

func routerSystem() string { return routerSystemPrompt }

func routerPrompt(p RouterPayload) string {
	var cats strings.Builder
	for _, c := range p.Categories {
		fmt.Fprintf(&cats, "%s: %s\n", c.ID, c.Name)
	}
	var items strings.Builder
	for _, it := range p.Items {
		fmt.Fprintf(&items, "%d. [%s] %s\n", it.Ref, it.ItemCode, it.ItemName)
	}
	return fmt.Sprintf(routerUserPrompt, strings.TrimSpace(cats.String()), strings.TrimSpace(items.String()))
}

func synthesisPrompt(rs *rules.RuleSet, p SynthesisPayload) (system, user string) {
	return synthesisSystemPrompt, fmt.Sprintf(synthesisUserPrompt,
		rs.CategoryID, rs.Name, p.ItemCode, p.ItemName, formatAttributes(p.Attributes), p.SearchText)
}

// mappingPrompt puts the category catalog in the system block so it is
// shared, and cacheable, across every record of the category.
func mappingPrompt(rs *rules.RuleSet, slice model.CatalogSlice, p MappingPayload) (system, user string) {
	var cat strings.Builder
	for _, e := range slice.Entries() {
		custom := ""
		if e.IsCustom {
			custom = " (custom)"
		}
		fmt.Fprintf(&cat, "%s: %s%s\n", e.Code, e.Description, custom)
	}
	guidance := ""
	if rs.Guidance != "" {
		guidance = "Guidance:\n" + strings.TrimSpace(rs.Guidance) + "\n"
	}
	system = fmt.Sprintf(mappingSystemPrompt, rs.CategoryID, rs.Name, guidance, strings.TrimSpace(cat.String()))

	desc := ""
	var attrs map[string]string
	if p.Enriched != nil {
		desc = p.Enriched.Description
		attrs = p.Enriched.Attributes
	}
	user = fmt.Sprintf(mappingUserPrompt, p.ItemCode, p.ItemName, formatAttributes(attrs), desc)
	return system, user
}

func formatAttributes(attrs map[string]string) string {
	if len(attrs) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + attrs[k]
	}
	return strings.Join(parts, ", ")
}

// mustJSON renders v for stand-in oracles and logs.
func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
