package filter

import (
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/roach88/rulebox/internal/canon"
)

// Match evaluates f against one document. This is the reference semantics
// every backend processor reproduces. A nil filter matches everything.
func Match(f Filter, id string, data map[string]any) (bool, error) {
	if f == nil {
		return true, nil
	}
	m := &matcher{id: id, data: data}
	if err := f.ProcessWith(m); err != nil {
		return false, err
	}
	return m.result, nil
}

type matcher struct {
	id     string
	data   map[string]any
	result bool
}

func (m *matcher) sub(f Filter) (bool, error) {
	return Match(f, m.id, m.data)
}

func (m *matcher) ProcessEquals(f Equals) error {
	v, ok := canon.GetPath(m.data, f.Field)
	if f.Value == nil {
		m.result = !ok || v == nil
		return nil
	}
	m.result = ok && canon.Equal(v, f.Value)
	return nil
}

func (m *matcher) ProcessIn(f In) error {
	m.result = false
	v, ok := canon.GetPath(m.data, f.Field)
	if !ok {
		return nil
	}
	for _, candidate := range f.Values {
		if canon.Equal(v, candidate) {
			m.result = true
			return nil
		}
	}
	return nil
}

func (m *matcher) ProcessExists(f Exists) error {
	_, m.result = canon.GetPath(m.data, f.Field)
	return nil
}

func (m *matcher) ProcessCompare(f Compare) error {
	m.result = false
	v, ok := canon.GetPath(m.data, f.Field)
	if !ok {
		return nil
	}
	c, ok := canon.Compare(v, f.Value)
	if !ok {
		return nil
	}
	switch f.Op {
	case OpGt:
		m.result = c > 0
	case OpGte:
		m.result = c >= 0
	case OpLt:
		m.result = c < 0
	case OpLte:
		m.result = c <= 0
	}
	return nil
}

func (m *matcher) ProcessContains(f Contains) error {
	m.result = false
	v, _ := canon.GetPath(m.data, f.Field)
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	m.result = slices.ContainsFunc(arr, func(elem any) bool {
		return canon.Equal(elem, f.Value)
	})
	return nil
}

func (m *matcher) ProcessLike(f Like) error {
	m.result = false
	v, _ := canon.GetPath(m.data, f.Field)
	s, ok := v.(string)
	if !ok {
		return nil
	}
	m.result = likeRegexp(f.Pattern).MatchString(s)
	return nil
}

func (m *matcher) ProcessAny(Any) error {
	m.result = true
	return nil
}

func (m *matcher) ProcessAnd(f And) error {
	for _, child := range f.Filters {
		ok, err := m.sub(child)
		if err != nil {
			return err
		}
		if !ok {
			m.result = false
			return nil
		}
	}
	m.result = true
	return nil
}

func (m *matcher) ProcessOr(f Or) error {
	for _, child := range f.Filters {
		ok, err := m.sub(child)
		if err != nil {
			return err
		}
		if ok {
			m.result = true
			return nil
		}
	}
	m.result = false
	return nil
}

func (m *matcher) ProcessNot(f Not) error {
	ok, err := m.sub(f.Filter)
	if err != nil {
		return err
	}
	m.result = !ok
	return nil
}

func (m *matcher) ProcessDocID(f DocID) error {
	m.result = m.id == f.ID
	return nil
}

func (m *matcher) ProcessDocIDs(f DocIDs) error {
	m.result = slices.Contains(f.IDs, m.id)
	return nil
}

// LikeToRegexp converts a LIKE pattern to an anchored regular expression
// body without flags.
func LikeToRegexp(pattern string) string {
	var b strings.Builder
	b.WriteByte('^')
	for _, r := range pattern {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteByte('.')
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteByte('$')
	return b.String()
}

var likeCache sync.Map

func likeRegexp(pattern string) *regexp.Regexp {
	if re, ok := likeCache.Load(pattern); ok {
		return re.(*regexp.Regexp)
	}
	re := regexp.MustCompile("(?is)" + LikeToRegexp(pattern))
	likeCache.Store(pattern, re)
	return re
}

// CompareDocs orders two documents by orderBy, then by id ascending.
// Missing fields sort first.
func CompareDocs(orderBy []SortField, aID string, a map[string]any, bID string, b map[string]any) int {
	for _, s := range orderBy {
		av, _ := canon.GetPath(a, s.Field)
		bv, _ := canon.GetPath(b, s.Field)
		c := canon.Order(av, bv)
		if s.Order == Desc {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return strings.Compare(aID, bID)
}
