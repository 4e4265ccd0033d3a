package pipeline

import (
	"time"

	"github.com/sells-group/vmrs-cli/internal/config"
)

// Settings holds the thresholds, batch sizes and limits a run uses.
type Settings struct {
	AutoApprove     int
	Medium          int
	Escalate        int
	MappingReview   int
	AmbiguityMargin int
	ExactSimilarity float64

	RouterSize              int
	PatternSize             int
	ValidationSize          int
	MaxConcurrentCategories int

	CacheTTL           time.Duration
	CacheMinConfidence int

	RouterMaxTokens  int64
	MappingMaxTokens int64
	SynthMaxTokens   int64
}

// DefaultSettings returns the stock thresholds (90/70/70) and batch sizes.
func DefaultSettings() Settings {
	return Settings{
		AutoApprove:             90,
		Medium:                  70,
		Escalate:                70,
		MappingReview:           85,
		AmbiguityMargin:         10,
		ExactSimilarity:         0.92,
		RouterSize:              50,
		PatternSize:             10,
		ValidationSize:          10,
		MaxConcurrentCategories: 4,
		CacheTTL:                720 * time.Hour,
		CacheMinConfidence:      70,
		RouterMaxTokens:         4096,
		MappingMaxTokens:        1024,
		SynthMaxTokens:          1024,
	}
}

// SettingsFromConfig overlays configured values on the defaults. Zero values
// keep the default.
func SettingsFromConfig(cfg *config.Config) Settings {
	s := DefaultSettings()
	t := cfg.Thresholds
	setInt(&s.AutoApprove, t.AutoApprove)
	setInt(&s.Medium, t.Medium)
	setInt(&s.Escalate, t.Escalate)
	setInt(&s.MappingReview, t.MappingReview)
	setInt(&s.AmbiguityMargin, t.AmbiguityMargin)
	if t.ExactSimilarity > 0 {
		s.ExactSimilarity = t.ExactSimilarity
	}

	b := cfg.Batch
	setInt(&s.RouterSize, b.RouterSize)
	setInt(&s.PatternSize, b.PatternSize)
	setInt(&s.ValidationSize, b.ValidationSize)
	setInt(&s.MaxConcurrentCategories, b.MaxConcurrentCategories)

	if ttl := cfg.Cache.TTL(); ttl > 0 {
		s.CacheTTL = ttl
	}
	setInt(&s.CacheMinConfidence, cfg.Cache.MinConfidence)

	if cfg.Anthropic.RouterMaxTokens > 0 {
		s.RouterMaxTokens = cfg.Anthropic.RouterMaxTokens
	}
	if cfg.Anthropic.MappingMaxTokens > 0 {
		s.MappingMaxTokens = cfg.Anthropic.MappingMaxTokens
	}
	if cfg.Anthropic.SynthMaxTokens > 0 {
		s.SynthMaxTokens = cfg.Anthropic.SynthMaxTokens
	}
	return s
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}
