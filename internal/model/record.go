package model

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// RoutingState is the position of a record in the classification state
// machine. States only ever move forward.
type RoutingState string

const (
	StateUnclassified         RoutingState = "UNCLASSIFIED"
	StateExactMatch           RoutingState = "EXACT_MATCH"
	StatePatternMatchNeeded   RoutingState = "PATTERN_MATCH_NEEDED"
	StateWebSearchNeeded      RoutingState = "WEB_SEARCH_NEEDED"
	StateClassificationFailed RoutingState = "CLASSIFICATION_FAILED"
	StateMatched              RoutingState = "MATCHED"
	StateEscalated            RoutingState = "ESCALATED"
	StateRulesUnavailable     RoutingState = "RULES_UNAVAILABLE"
	StateEnriched             RoutingState = "ENRICHED"
	StateEnrichmentFailed     RoutingState = "ENRICHMENT_FAILED"
	StateMapped               RoutingState = "MAPPED"
	StateMappingFailed        RoutingState = "MAPPING_FAILED"
	StatePass                 RoutingState = "PASS"
	StateReview               RoutingState = "REVIEW"
	StateFail                 RoutingState = "FAIL"
)

var validationOutcomes = []RoutingState{StatePass, StateReview, StateFail}

// transitions lists the allowed successors of every non-terminal state.
var transitions = map[RoutingState][]RoutingState{
	StateUnclassified:       {StateExactMatch, StatePatternMatchNeeded, StateWebSearchNeeded, StateClassificationFailed},
	StateExactMatch:         validationOutcomes,
	StatePatternMatchNeeded: {StateMatched, StateEscalated, StateRulesUnavailable},
	StateWebSearchNeeded:    {StateEscalated, StateRulesUnavailable},
	StateMatched:            validationOutcomes,
	StateEscalated:          {StateEnriched, StateEnrichmentFailed},
	StateEnriched:           {StateMapped, StateMappingFailed},
	StateMapped:             validationOutcomes,
}

// ErrInvalidTransition is returned when a stage tries to move a record
// backwards or sideways in the state machine.
var ErrInvalidTransition = eris.New("model: invalid routing transition")

// CanTransition reports whether from may move to to.
func CanTransition(from, to RoutingState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions exist from s.
func (s RoutingState) IsTerminal() bool {
	_, ok := transitions[s]
	return !ok
}

// IsSystemFailure reports whether s is a terminal state caused by a fault
// rather than a business rule.
func (s RoutingState) IsSystemFailure() bool {
	switch s {
	case StateClassificationFailed, StateRulesUnavailable, StateEnrichmentFailed, StateMappingFailed:
		return true
	}
	return false
}

// abortStates lists, for every non-terminal state, the terminal state a
// record takes when its stage stops on an internal error.
var abortStates = map[RoutingState]RoutingState{
	StateUnclassified:       StateClassificationFailed,
	StatePatternMatchNeeded: StateRulesUnavailable,
	StateWebSearchNeeded:    StateRulesUnavailable,
	StateEscalated:          StateEnrichmentFailed,
	StateEnriched:           StateMappingFailed,
	StateExactMatch:         StateFail,
	StateMatched:            StateFail,
	StateMapped:             StateFail,
}

// AbortState returns the terminal state for a record in s whose stage
// aborted, and false when s is already terminal.
func AbortState(s RoutingState) (RoutingState, bool) {
	to, ok := abortStates[s]
	return to, ok
}

// StageOf names the stage that owns a record in s.
func StageOf(s RoutingState) string {
	switch s {
	case StateUnclassified:
		return StageRouter
	case StatePatternMatchNeeded, StateWebSearchNeeded:
		return StagePattern
	case StateEscalated:
		return StageEnrichment
	case StateEnriched:
		return StageMapping
	}
	return StageValidation
}

// AwaitsValidation reports whether a record in s is ready for the
// validation stage.
func (s RoutingState) AwaitsValidation() bool {
	return s == StateExactMatch || s == StateMatched || s == StateMapped
}

// MatchType records how a code was obtained.
type MatchType string

const (
	MatchExact         MatchType = "exact"
	MatchPattern       MatchType = "pattern"
	MatchWebSearch     MatchType = "web_search"
	MatchNone          MatchType = "none"
	MatchHumanVerified MatchType = "human_validated"
)

// Disposition is the final outcome bucket of a record.
type Disposition string

const (
	DispositionValidated     Disposition = "VALIDATED"
	DispositionPendingReview Disposition = "PENDING_REVIEW"
	DispositionNeedsReview   Disposition = "NEEDS_REVIEW"
	DispositionFailed        Disposition = "FAILED"
)

// Dispositions lists every disposition in reporting order.
var Dispositions = []Disposition{
	DispositionValidated,
	DispositionPendingReview,
	DispositionNeedsReview,
	DispositionFailed,
}

// DispositionFor maps a terminal state to its disposition. It returns false
// for non-terminal states.
func DispositionFor(s RoutingState) (Disposition, bool) {
	switch s {
	case StatePass:
		return DispositionValidated, true
	case StateReview:
		return DispositionPendingReview, true
	case StateFail, StateRulesUnavailable:
		return DispositionNeedsReview, true
	case StateClassificationFailed, StateEnrichmentFailed, StateMappingFailed:
		return DispositionFailed, true
	}
	return "", false
}

// Record is a single item moving through the pipeline. It is owned by
// exactly one stage at a time.
type Record struct {
	Index             int          `json:"index"`
	ItemCode          string       `json:"item_code"`
	ItemName          string       `json:"item_name"`
	CategoryPrimary   string       `json:"category_primary,omitempty"`
	CategorySecondary string       `json:"category_secondary,omitempty"`
	Confidence        int          `json:"confidence"`
	State             RoutingState `json:"routing_state"`

	Code             string    `json:"code,omitempty"`
	IsCustom         bool      `json:"is_custom"`
	MatchType        MatchType `json:"match_type,omitempty"`
	AlternativeCodes []string  `json:"alternative_codes,omitempty"`
	Reasoning        string    `json:"reasoning,omitempty"`

	// ForceReview marks a record that may never reach PASS.
	ForceReview      bool `json:"force_review"`
	MediumConfidence bool `json:"medium_confidence"`

	Enriched *EnrichedRecord `json:"enriched,omitempty"`
	Issues   []string        `json:"issues,omitempty"`
	Retries  int             `json:"retries"`

	// Reason, FailedStage and ErrorType describe why a record stopped.
	Reason      string `json:"reason,omitempty"`
	FailedStage string `json:"failed_stage,omitempty"`
	ErrorType   string `json:"error_type,omitempty"`

	notes []string
}

// NewRecord creates an unclassified record at input position idx.
func NewRecord(idx int, itemCode, itemName string) *Record {
	return &Record{
		Index:    idx,
		ItemCode: strings.TrimSpace(itemCode),
		ItemName: strings.TrimSpace(itemName),
		State:    StateUnclassified,
	}
}

// Transition moves the record to state to, appending note to the audit
// trail when non-empty.
func (r *Record) Transition(to RoutingState, note string) error {
	if !CanTransition(r.State, to) {
		return eris.Wrapf(ErrInvalidTransition, "%s: %s -> %s", r.ItemCode, r.State, to)
	}
	r.State = to
	if note != "" {
		r.AddNote(note)
	}
	return nil
}

// Fail moves the record into a terminal failure state at stage and records
// reason both as the flag reason and in the audit trail. errType is
// "transient" or "permanent".
func (r *Record) Fail(stage string, to RoutingState, reason, errType string) error {
	if err := r.Transition(to, ""); err != nil {
		return err
	}
	r.Reason = reason
	r.FailedStage = stage
	r.ErrorType = errType
	r.AddNote(fmt.Sprintf("%s: %s", to, reason))
	return nil
}

// AddNote appends to the audit trail. Notes are never removed.
func (r *Record) AddNote(note string) {
	r.notes = append(r.notes, note)
}

// AddNotef is AddNote with formatting.
func (r *Record) AddNotef(format string, args ...any) {
	r.AddNote(fmt.Sprintf(format, args...))
}

// Notes returns a copy of the audit trail.
func (r *Record) Notes() []string {
	out := make([]string, len(r.notes))
	copy(out, r.notes)
	return out
}

// NotesString joins the audit trail for tabular output.
func (r *Record) NotesString() string {
	return strings.Join(r.notes, "; ")
}

// Disposition returns the final disposition, or false while the record is
// still in flight.
func (r *Record) Disposition() (Disposition, bool) {
	return DispositionFor(r.State)
}

// ClampConfidence bounds c to [0, 100].
func ClampConfidence(c int) int {
	if c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return c
}
