package rules

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/vmrs-cli/internal/model"
)

// ErrRulesUnavailable marks a category whose rule set is missing or invalid.
// Every batch of that category fails closed.
var ErrRulesUnavailable = eris.New("rules: rule set unavailable")

type cached struct {
	rs  *RuleSet
	err error
}

// Store loads rule sets from a directory and caches the result (including
// failures) for the lifetime of the store, which is one run.
type Store struct {
	dir string

	mu    sync.Mutex
	cache map[string]cached
}

// NewStore creates a Store reading from dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir, cache: make(map[string]cached)}
}

// Get returns the rule set for categoryID. Errors wrap ErrRulesUnavailable.
func (s *Store) Get(categoryID string) (*RuleSet, error) {
	id := model.NormalizeCategoryID(categoryID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.cache[id]; ok {
		return c.rs, c.err
	}

	rs, err := s.load(id)
	if err != nil {
		err = eris.Wrapf(ErrRulesUnavailable, "category %s: %v", id, err)
		zap.L().Warn("rules: unavailable", zap.String("category", id), zap.Error(err))
	}
	s.cache[id] = cached{rs: rs, err: err}
	return rs, err
}

func (s *Store) load(id string) (*RuleSet, error) {
	path, err := s.find(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "rules: read %s", path)
	}
	rs, err := Parse(data, id)
	if err != nil {
		return nil, eris.Wrapf(err, "rules: %s", filepath.Base(path))
	}
	zap.L().Debug("rules: loaded",
		zap.String("category", id),
		zap.String("file", path),
		zap.Int("keyword_rules", len(rs.KeywordRules)),
	)
	return rs, nil
}

// find locates the rule file for id, accepting "<id>.yaml", zero-padded
// "0<id>.yaml" and "rules_system_<id>*.yaml" names.
func (s *Store) find(id string) (string, error) {
	candidates := []string{id, padID(id)}
	for _, base := range candidates {
		for _, ext := range []string{".yaml", ".yml"} {
			p := filepath.Join(s.dir, base+ext)
			if _, err := os.Stat(p); err == nil {
				return p, nil
			}
		}
	}
	for _, base := range candidates {
		matches, _ := filepath.Glob(filepath.Join(s.dir, "rules_system_"+base+"*.y*ml"))
		if len(matches) > 0 {
			sort.Strings(matches)
			return matches[0], nil
		}
	}
	return "", eris.Errorf("rules: no rule file for category %s in %s", id, s.dir)
}

func padID(id string) string {
	if len(id) >= 3 {
		return id
	}
	return strings.Repeat("0", 3-len(id)) + id
}

// Categories lists the category ids that have a rule file in the directory.
func (s *Store) Categories() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, eris.Wrapf(err, "rules: read dir %s", s.dir)
	}
	seen := make(map[string]bool)
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := filepath.Ext(name)
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		base := strings.TrimSuffix(name, ext)
		base = strings.TrimPrefix(base, "rules_system_")
		if i := strings.IndexAny(base, "_-"); i > 0 {
			base = base[:i]
		}
		id := model.NormalizeCategoryID(base)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// ValidateAll loads every rule file and returns the failures keyed by
// category id.
func (s *Store) ValidateAll() (map[string]error, error) {
	ids, err := s.Categories()
	if err != nil {
		return nil, err
	}
	failures := make(map[string]error)
	for _, id := range ids {
		if _, err := s.Get(id); err != nil {
			failures[id] = err
		}
	}
	return failures, nil
}
