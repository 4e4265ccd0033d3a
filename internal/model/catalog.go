package model

import (
	"sort"
	"strings"

	"github.com/rotisserie/eris"
)

// CatalogEntry is one code of the operator's reference catalog.
type CatalogEntry struct {
	Code         string `json:"code"`
	CategoryID   string `json:"category_id"`
	CategoryName string `json:"category_name"`
	Description  string `json:"description"`
	IsCustom     bool   `json:"is_custom"`
}

// Category is the category-level view of the catalog handed to the router.
type Category struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Entries int    `json:"entries"`
}

// UnclassifiedCategory groups records the router could not place.
const UnclassifiedCategory = "UNCLASSIFIED"

// CategoryFromCode derives the category id from the code prefix before the
// first '-', with leading zeros trimmed ("013-001-001" -> "13").
func CategoryFromCode(code string) string {
	prefix, _, _ := strings.Cut(strings.TrimSpace(code), "-")
	return NormalizeCategoryID(prefix)
}

// NormalizeCategoryID trims whitespace and leading zeros.
func NormalizeCategoryID(id string) string {
	id = strings.TrimSpace(id)
	trimmed := strings.TrimLeft(id, "0")
	if trimmed == "" && id != "" {
		return "0"
	}
	return trimmed
}

// Catalog is the immutable reference catalog for a run.
type Catalog struct {
	entries    []CatalogEntry
	byCode     map[string]int
	byCategory map[string][]int
	categories []Category
}

// NewCatalog indexes entries. Category ids are derived from the code when
// absent. Duplicate codes are rejected.
func NewCatalog(entries []CatalogEntry) (*Catalog, error) {
	c := &Catalog{
		entries:    make([]CatalogEntry, 0, len(entries)),
		byCode:     make(map[string]int, len(entries)),
		byCategory: make(map[string][]int),
	}
	names := make(map[string]string)
	for _, e := range entries {
		e.Code = strings.TrimSpace(e.Code)
		if e.Code == "" {
			return nil, eris.New("model: catalog entry with empty code")
		}
		if _, dup := c.byCode[e.Code]; dup {
			return nil, eris.Errorf("model: duplicate catalog code %q", e.Code)
		}
		if e.CategoryID == "" {
			e.CategoryID = CategoryFromCode(e.Code)
		} else {
			e.CategoryID = NormalizeCategoryID(e.CategoryID)
		}
		idx := len(c.entries)
		c.entries = append(c.entries, e)
		c.byCode[e.Code] = idx
		c.byCategory[e.CategoryID] = append(c.byCategory[e.CategoryID], idx)
		if names[e.CategoryID] == "" {
			names[e.CategoryID] = e.CategoryName
		}
	}
	for id, idxs := range c.byCategory {
		c.categories = append(c.categories, Category{ID: id, Name: names[id], Entries: len(idxs)})
	}
	sort.Slice(c.categories, func(i, j int) bool { return c.categories[i].ID < c.categories[j].ID })
	return c, nil
}

// Len returns the number of catalog entries.
func (c *Catalog) Len() int { return len(c.entries) }

// Lookup returns the entry for code.
func (c *Catalog) Lookup(code string) (CatalogEntry, bool) {
	idx, ok := c.byCode[strings.TrimSpace(code)]
	if !ok {
		return CatalogEntry{}, false
	}
	return c.entries[idx], true
}

// Categories returns the category-level reference data.
func (c *Catalog) Categories() []Category {
	out := make([]Category, len(c.categories))
	copy(out, c.categories)
	return out
}

// HasCategory reports whether any entry belongs to id.
func (c *Catalog) HasCategory(id string) bool {
	_, ok := c.byCategory[id]
	return ok
}

// Slice returns the read-only subset of the catalog for one category.
func (c *Catalog) Slice(categoryID string) CatalogSlice {
	idxs := c.byCategory[categoryID]
	s := CatalogSlice{
		CategoryID: categoryID,
		entries:    make([]CatalogEntry, 0, len(idxs)),
		byCode:     make(map[string]int, len(idxs)),
	}
	for _, i := range idxs {
		s.byCode[c.entries[i].Code] = len(s.entries)
		s.entries = append(s.entries, c.entries[i])
	}
	return s
}

// CatalogSlice is the category-scoped part of the catalog.
type CatalogSlice struct {
	CategoryID string
	entries    []CatalogEntry
	byCode     map[string]int
}

// Entries returns a copy of the slice's entries.
func (s CatalogSlice) Entries() []CatalogEntry {
	out := make([]CatalogEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Len returns the number of entries in the slice.
func (s CatalogSlice) Len() int { return len(s.entries) }

// Contains reports whether code belongs to this slice.
func (s CatalogSlice) Contains(code string) bool {
	_, ok := s.byCode[strings.TrimSpace(code)]
	return ok
}

// Lookup returns the entry for code within this slice.
func (s CatalogSlice) Lookup(code string) (CatalogEntry, bool) {
	idx, ok := s.byCode[strings.TrimSpace(code)]
	if !ok {
		return CatalogEntry{}, false
	}
	return s.entries[idx], true
}
