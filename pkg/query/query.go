// Package query builds, renders, parses and evaluates the small query
// language spoken by the record store.
package query

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/cuemby/provisioner/pkg/types"
)

// Op is a condition operator
type Op string

const (
	OpEq       Op = "="
	OpContains Op = "contains"
)

// Condition is one field predicate of a where clause
type Condition struct {
	Field  string
	Op     Op
	Values []string
}

// Query is a parsed or built record query
type Query struct {
	Fields   []string
	Object   string
	Where    []Condition
	Skip     int64
	PageSize int64
}

// Select starts a query projecting the given fields
func Select(fields ...string) *Query {
	if len(fields) == 0 {
		fields = []string{types.FieldID}
	}
	return &Query{Fields: slices.Clone(fields)}
}

// From sets the object the query reads
func (q *Query) From(object string) *Query {
	q.Object = object
	return q
}

// WhereEq adds an equality condition
func (q *Query) WhereEq(field, value string) *Query {
	q.Where = append(q.Where, Condition{Field: field, Op: OpEq, Values: []string{value}})
	return q
}

// WhereIn adds a set-membership condition
func (q *Query) WhereIn(field string, values ...string) *Query {
	q.Where = append(q.Where, Condition{Field: field, Op: OpContains, Values: slices.Clone(values)})
	return q
}

// Clone returns a deep copy
func (q *Query) Clone() *Query {
	c := &Query{
		Fields:   slices.Clone(q.Fields),
		Object:   q.Object,
		Skip:     q.Skip,
		PageSize: q.PageSize,
	}
	for _, cond := range q.Where {
		c.Where = append(c.Where, Condition{Field: cond.Field, Op: cond.Op, Values: slices.Clone(cond.Values)})
	}
	return c
}

// WithPage returns a copy limited to one skip/size window
func (q *Query) WithPage(skip, size int64) *Query {
	c := q.Clone()
	c.Skip = skip
	c.PageSize = size
	return c
}

// Base returns a copy with paging stripped
func (q *Query) Base() *Query {
	return q.WithPage(0, 0)
}

// Paged reports whether the query carries a skip or page size
func (q *Query) Paged() bool {
	return q.Skip > 0 || q.PageSize > 0
}

// Window returns the [start, end) slice bounds of this query's page over n ordered rows
func (q *Query) Window(n int) (int, int) {
	start := int(min(q.Skip, int64(n)))
	if start < 0 {
		start = 0
	}
	end := n
	if q.PageSize > 0 && int64(start)+q.PageSize < int64(n) {
		end = start + int(q.PageSize)
	}
	return start, end
}

// Match reports whether a record satisfies every condition
func (q *Query) Match(rec *types.Record) bool {
	if q.Object != "" && rec.Object != q.Object {
		return false
	}
	for _, cond := range q.Where {
		if !cond.match(rec) {
			return false
		}
	}
	return true
}

func (c Condition) match(rec *types.Record) bool {
	v := rec.Get(c.Field)
	var have []string
	if v.Multi {
		have = v.Tokens
	} else if v.Text != "" {
		have = []string{v.Text}
	}

	for _, h := range have {
		if slices.Contains(c.Values, h) {
			return true
		}
	}
	// An equality against the empty string matches an absent field
	return c.Op == OpEq && len(have) == 0 && len(c.Values) == 1 && c.Values[0] == ""
}

// String renders the query text
func (q *Query) String() string {
	var b strings.Builder
	b.WriteString("select ")
	b.WriteString(strings.Join(q.Fields, ", "))
	b.WriteString(" from ")
	b.WriteString(q.Object)

	for i, cond := range q.Where {
		if i == 0 {
			b.WriteString(" where ")
		} else {
			b.WriteString(" and ")
		}
		b.WriteString(cond.Field)
		switch cond.Op {
		case OpContains:
			quoted := make([]string, len(cond.Values))
			for j, v := range cond.Values {
				quoted[j] = Quote(v)
			}
			fmt.Fprintf(&b, " contains (%s)", strings.Join(quoted, ","))
		default:
			fmt.Fprintf(&b, " = %s", Quote(cond.Values[0]))
		}
	}

	if q.Paged() {
		fmt.Fprintf(&b, " SKIP %d PAGESIZE %d", q.Skip, q.PageSize)
	}
	return b.String()
}

// Quote single-quotes a value, doubling embedded quotes
func Quote(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

// Parse reads query text of the form
//
//	select f1, f2 from object [where cond (and cond)*] [SKIP n] [PAGESIZE m]
//
// where cond is either field = 'v' or field contains ('a','b').
func Parse(text string) (*Query, error) {
	toks, err := lex(text)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	q, err := p.parse()
	if err != nil {
		return nil, fmt.Errorf("invalid query %q: %w", text, err)
	}
	return q, nil
}

type tokenKind int

const (
	tokWord tokenKind = iota
	tokString
	tokPunct
)

type token struct {
	kind tokenKind
	text string
}

func lex(text string) ([]token, error) {
	var toks []token
	for i := 0; i < len(text); {
		c := text[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(' || c == ')' || c == ',' || c == '=':
			toks = append(toks, token{kind: tokPunct, text: string(c)})
			i++
		case c == '\'':
			var sb strings.Builder
			i++
			closed := false
			for i < len(text) {
				if text[i] == '\'' {
					if i+1 < len(text) && text[i+1] == '\'' {
						sb.WriteByte('\'')
						i += 2
						continue
					}
					i++
					closed = true
					break
				}
				sb.WriteByte(text[i])
				i++
			}
			if !closed {
				return nil, fmt.Errorf("unterminated string in query %q", text)
			}
			toks = append(toks, token{kind: tokString, text: sb.String()})
		default:
			start := i
			for i < len(text) && !strings.ContainsRune(" \t\n\r(),='", rune(text[i])) {
				i++
			}
			toks = append(toks, token{kind: tokWord, text: text[start:i]})
		}
	}
	return toks, nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() (token, bool) {
	if p.pos >= len(p.toks) {
		return token{}, false
	}
	return p.toks[p.pos], true
}

func (p *parser) next() (token, bool) {
	t, ok := p.peek()
	if ok {
		p.pos++
	}
	return t, ok
}

func (p *parser) keyword(kw string) bool {
	t, ok := p.peek()
	if ok && t.kind == tokWord && strings.EqualFold(t.text, kw) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expectPunct(s string) error {
	t, ok := p.next()
	if !ok || t.kind != tokPunct || t.text != s {
		return fmt.Errorf("expected %q", s)
	}
	return nil
}

func (p *parser) word() (string, error) {
	t, ok := p.next()
	if !ok || t.kind != tokWord {
		return "", fmt.Errorf("expected identifier")
	}
	return t.text, nil
}

func (p *parser) str() (string, error) {
	t, ok := p.next()
	if !ok || t.kind != tokString {
		return "", fmt.Errorf("expected quoted value")
	}
	return t.text, nil
}

func (p *parser) number() (int64, error) {
	w, err := p.word()
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(w, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("expected non-negative number, got %q", w)
	}
	return n, nil
}

func (p *parser) parse() (*Query, error) {
	if !p.keyword("select") {
		return nil, fmt.Errorf("expected select")
	}

	q := &Query{}
	for {
		f, err := p.word()
		if err != nil {
			return nil, err
		}
		q.Fields = append(q.Fields, f)
		if t, ok := p.peek(); ok && t.kind == tokPunct && t.text == "," {
			p.pos++
			continue
		}
		break
	}

	if !p.keyword("from") {
		return nil, fmt.Errorf("expected from")
	}
	obj, err := p.word()
	if err != nil {
		return nil, err
	}
	q.Object = obj

	if p.keyword("where") {
		for {
			cond, err := p.condition()
			if err != nil {
				return nil, err
			}
			q.Where = append(q.Where, cond)
			if !p.keyword("and") {
				break
			}
		}
	}

	if p.keyword("skip") {
		if q.Skip, err = p.number(); err != nil {
			return nil, err
		}
	}
	if p.keyword("pagesize") {
		if q.PageSize, err = p.number(); err != nil {
			return nil, err
		}
	}

	if t, ok := p.peek(); ok {
		return nil, fmt.Errorf("unexpected %q", t.text)
	}
	return q, nil
}

func (p *parser) condition() (Condition, error) {
	field, err := p.word()
	if err != nil {
		return Condition{}, err
	}

	if p.keyword("contains") {
		if err := p.expectPunct("("); err != nil {
			return Condition{}, err
		}
		cond := Condition{Field: field, Op: OpContains}
		for {
			v, err := p.str()
			if err != nil {
				return Condition{}, err
			}
			cond.Values = append(cond.Values, v)
			t, ok := p.next()
			if !ok || t.kind != tokPunct {
				return Condition{}, fmt.Errorf("expected \",\" or \")\"")
			}
			if t.text == ")" {
				return cond, nil
			}
			if t.text != "," {
				return Condition{}, fmt.Errorf("expected \",\" or \")\"")
			}
		}
	}

	if err := p.expectPunct("="); err != nil {
		return Condition{}, err
	}
	v, err := p.str()
	if err != nil {
		return Condition{}, err
	}
	return Condition{Field: field, Op: OpEq, Values: []string{v}}, nil
}
