package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sells-group/vmrs-cli/internal/model"
)

// ApprovedRow is one line of the approved-mappings table.
type ApprovedRow struct {
	ItemCode   string `csv:"item_code" json:"item_code"`
	ItemName   string `csv:"item_name" json:"item_name"`
	Code       string `csv:"code" json:"code"`
	Confidence int    `csv:"confidence" json:"confidence"`
	Status     string `csv:"status" json:"status"`
	MatchType  string `csv:"match_type" json:"match_type"`
	Notes      string `csv:"notes" json:"notes"`
	IsCustom   bool   `csv:"is_custom" json:"is_custom"`
}

// ReviewRow is one line of the review queue.
type ReviewRow struct {
	ItemCode      string `csv:"item_code" json:"item_code"`
	ItemName      string `csv:"item_name" json:"item_name"`
	SuggestedCode string `csv:"suggested_code" json:"suggested_code"`
	Confidence    int    `csv:"confidence" json:"confidence"`
	ReasonFlagged string `csv:"reason_flagged" json:"reason_flagged"`
	Notes         string `csv:"notes" json:"notes"`
}

// Output splits terminal records into the approved table and the review
// queue. Every terminal record lands in exactly one of them; records still
// in flight (after cancellation) land in neither and are counted.
type Output struct {
	Approved   []ApprovedRow
	Review     []ReviewRow
	Incomplete int
}

// Aggregate builds the output tables in input order.
func Aggregate(records []*model.Record) Output {
	sorted := make([]*model.Record, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	var out Output
	for _, r := range sorted {
		d, ok := r.Disposition()
		if !ok {
			out.Incomplete++
			continue
		}
		if d == model.DispositionValidated {
			out.Approved = append(out.Approved, ApprovedRow{
				ItemCode:   r.ItemCode,
				ItemName:   r.ItemName,
				Code:       r.Code,
				Confidence: r.Confidence,
				Status:     string(d),
				MatchType:  string(r.MatchType),
				Notes:      r.NotesString(),
				IsCustom:   r.IsCustom,
			})
			continue
		}
		out.Review = append(out.Review, ReviewRow{
			ItemCode:      r.ItemCode,
			ItemName:      r.ItemName,
			SuggestedCode: r.Code,
			Confidence:    r.Confidence,
			ReasonFlagged: reasonFlagged(r, d),
			Notes:         r.NotesString(),
		})
	}
	return out
}

// reasonFlagged prefixes the record's reason with its disposition and, for
// system failures, the stage that broke.
func reasonFlagged(r *model.Record, d model.Disposition) string {
	reason := r.Reason
	if reason == "" {
		reason = strings.Join(r.Issues, "; ")
	}
	if reason == "" {
		reason = string(r.State)
	}
	if r.State.IsSystemFailure() && r.FailedStage != "" {
		return fmt.Sprintf("%s: %s failed: %s", d, r.FailedStage, reason)
	}
	return fmt.Sprintf("%s: %s", d, reason)
}
