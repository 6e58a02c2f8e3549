package rules

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"relaybot/internal/domain"
)

// Expression grammar:
//
//	expr   = clause { ("&&" | "and") clause }
//	clause = field op value
//	value  = scalar | "[" scalar { "," scalar } "]" | scalar ".." scalar
//
// Scalars may be quoted with double quotes. Fields are the content columns
// plus attrs.<key>. Each clause is rewritten into an expr-lang program
// evaluated against exprEnv; string comparisons are case-insensitive.

var errEmptyExpr = errors.New("empty expression")

type op string

const (
	opEq      op = "=="
	opNe      op = "!="
	opGt      op = ">"
	opGe      op = ">="
	opLt      op = "<"
	opLe      op = "<="
	opIn      op = "in"
	opNotIn   op = "not_in"
	opContain op = "contains"
	opHasAny  op = "has_any"
	opHasAll  op = "has_all"
	opBetween op = "between"
)

// symbolic operators, longest first so ">=" is not read as ">".
var symbolOps = []op{opEq, opNe, opGe, opLe, opGt, opLt}

var wordOps = map[string]op{
	"in":       opIn,
	"not_in":   opNotIn,
	"contains": opContain,
	"has_any":  opHasAny,
	"has_all":  opHasAll,
	"between":  opBetween,
}

type fieldKind int

const (
	kindString fieldKind = iota
	kindNumber
	kindBool
	kindTime
	kindSet
)

var fields = map[string]fieldKind{
	"id":            kindNumber,
	"platform":      kindString,
	"author":        kindString,
	"title":         kindString,
	"url":           kindString,
	"description":   kindString,
	"tags":          kindSet,
	"is_nsfw":       kindBool,
	"review_status": kindString,
	"created_at":    kindTime,
	"updated_at":    kindTime,
}

type clause struct {
	field string
	attr  string // set when field is attrs.<key>
	kind  fieldKind
	op    op
	vals  []string
	lo    string
	hi    string
}

// Expr is one compiled conjunction of clauses.
type Expr struct {
	src  string
	code string
	prog *vm.Program
}

func (e *Expr) String() string { return e.src }

// Code returns the generated expr-lang source.
func (e *Expr) Code() string { return e.code }

// Compile parses one expression.
func Compile(src string) (*Expr, error) {
	s := strings.TrimSpace(src)
	if s == "" {
		return nil, errEmptyExpr
	}
	parts, err := splitConjunction(s)
	if err != nil {
		return nil, err
	}
	code := make([]string, 0, len(parts))
	for _, p := range parts {
		c, err := parseClause(p)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", p, err)
		}
		src, err := c.source()
		if err != nil {
			return nil, fmt.Errorf("%q: %w", p, err)
		}
		code = append(code, "("+src+")")
	}
	e := &Expr{src: s, code: strings.Join(code, " && ")}
	prog, err := expr.Compile(e.code, exprOptions...)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", s, err)
	}
	e.prog = prog
	return e, nil
}

// Match reports whether every clause holds for c.
func (e *Expr) Match(c domain.Content) bool {
	return e.match(newExprEnv(c))
}

// match treats a runtime error as a non-match.
func (e *Expr) match(env exprEnv) bool {
	out, err := expr.Run(e.prog, env)
	if err != nil {
		return false
	}
	ok, _ := out.(bool)
	return ok
}

// Conditions is a compiled disjunction of expressions.
type Conditions struct {
	exprs []*Expr
}

// CompileConditions compiles every expression; the first error wins.
func CompileConditions(list []string) (Conditions, error) {
	out := Conditions{}
	for i, src := range list {
		e, err := Compile(src)
		if err != nil {
			return Conditions{}, fmt.Errorf("condition %d: %w", i, err)
		}
		out.exprs = append(out.exprs, e)
	}
	return out, nil
}

func (c Conditions) Empty() bool { return len(c.exprs) == 0 }

// Match reports whether any expression holds. An empty list matches.
func (c Conditions) Match(content domain.Content) bool {
	if len(c.exprs) == 0 {
		return true
	}
	env := newExprEnv(content)
	for _, e := range c.exprs {
		if e.match(env) {
			return true
		}
	}
	return false
}

// splitConjunction splits on && and the word "and" outside quotes and brackets.
func splitConjunction(s string) ([]string, error) {
	var (
		parts []string
		cur   strings.Builder
		quote bool
		depth int
	)
	flush := func() error {
		p := strings.TrimSpace(cur.String())
		cur.Reset()
		if p == "" {
			return errors.New("empty clause")
		}
		parts = append(parts, p)
		return nil
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch == '"':
			quote = !quote
		case quote:
		case ch == '[':
			depth++
		case ch == ']':
			depth--
			if depth < 0 {
				return nil, errors.New("unbalanced ']'")
			}
		case depth == 0 && ch == '&' && i+1 < len(s) && s[i+1] == '&':
			if err := flush(); err != nil {
				return nil, err
			}
			i++
			continue
		case depth == 0 && isWordAt(s, i, "and"):
			if err := flush(); err != nil {
				return nil, err
			}
			i += len("and") - 1
			continue
		}
		cur.WriteByte(ch)
	}
	if quote {
		return nil, errors.New("unterminated quote")
	}
	if depth != 0 {
		return nil, errors.New("unbalanced '['")
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return parts, nil
}

// isWordAt reports whether word appears at s[i:] delimited by spaces.
func isWordAt(s string, i int, word string) bool {
	if i == 0 || s[i-1] != ' ' {
		return false
	}
	end := i + len(word)
	if end >= len(s) || s[end] != ' ' {
		return false
	}
	return strings.EqualFold(s[i:end], word)
}

func parseClause(s string) (clause, error) {
	name, rest := cutIdent(s)
	if name == "" {
		return clause{}, errors.New("missing field")
	}
	c := clause{field: strings.ToLower(name)}
	if key, ok := strings.CutPrefix(c.field, "attrs."); ok {
		if key == "" {
			return clause{}, errors.New("empty attrs key")
		}
		c.attr = name[len("attrs."):]
		c.kind = kindString
	} else {
		k, ok := fields[c.field]
		if !ok {
			return clause{}, fmt.Errorf("unknown field %q", name)
		}
		c.kind = k
	}

	rest = strings.TrimSpace(rest)
	o, value, err := cutOp(rest)
	if err != nil {
		return clause{}, err
	}
	c.op = o
	value = strings.TrimSpace(value)
	if value == "" {
		return clause{}, fmt.Errorf("missing value for %s", o)
	}

	switch o {
	case opIn, opNotIn, opHasAny, opHasAll:
		vals, err := parseList(value)
		if err != nil {
			return clause{}, err
		}
		c.vals = vals
	case opBetween:
		lo, hi, ok := strings.Cut(value, "..")
		if !ok {
			return clause{}, errors.New("between needs lo..hi")
		}
		c.lo, c.hi = unquote(strings.TrimSpace(lo)), unquote(strings.TrimSpace(hi))
		if c.lo == "" || c.hi == "" {
			return clause{}, errors.New("between needs lo..hi")
		}
	default:
		c.vals = []string{unquote(value)}
	}
	return c, c.validate()
}

func cutIdent(s string) (string, string) {
	i := 0
	for i < len(s) {
		ch := s[i]
		if ch == '_' || ch == '.' || ch == '-' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9') {
			i++
			continue
		}
		break
	}
	return s[:i], s[i:]
}

func cutOp(s string) (op, string, error) {
	for _, o := range symbolOps {
		if strings.HasPrefix(s, string(o)) {
			return o, s[len(o):], nil
		}
	}
	word, rest, _ := strings.Cut(s, " ")
	if o, ok := wordOps[strings.ToLower(word)]; ok {
		return o, rest, nil
	}
	if word == "" {
		return "", "", errors.New("missing operator")
	}
	return "", "", fmt.Errorf("unknown operator %q", word)
}

func parseList(s string) ([]string, error) {
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return nil, errors.New("list value must be [a, b, ...]")
	}
	inner := strings.TrimSpace(s[1 : len(s)-1])
	if inner == "" {
		return nil, errors.New("empty list")
	}
	var out []string
	for _, item := range splitList(inner) {
		v := unquote(strings.TrimSpace(item))
		if v == "" {
			return nil, errors.New("empty list item")
		}
		out = append(out, v)
	}
	return out, nil
}

// splitList splits on commas outside quotes.
func splitList(s string) []string {
	var (
		out   []string
		start int
		quote bool
	)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			quote = !quote
		case ',':
			if !quote {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	return append(out, s[start:])
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

func (c clause) validate() error {
	check := func(v string) error {
		switch c.kind {
		case kindNumber:
			if _, err := numberLiteral(v); err != nil {
				return fmt.Errorf("%s: %w", c.field, err)
			}
		case kindBool:
			if _, err := strconv.ParseBool(v); err != nil {
				return fmt.Errorf("%s: %q is not a bool", c.field, v)
			}
		case kindTime:
			if _, err := parseTime(v); err != nil {
				return fmt.Errorf("%s: %w", c.field, err)
			}
		}
		return nil
	}
	if c.kind == kindBool && c.op != opEq && c.op != opNe {
		return fmt.Errorf("%s supports only == and !=", c.field)
	}
	if c.kind == kindTime && c.op == opContain {
		return fmt.Errorf("%s does not support contains", c.field)
	}
	// Ordering operators on tags compare the tag count.
	if c.kind == kindSet && c.ordering() {
		n := c
		n.kind = kindNumber
		return n.validate()
	}
	if c.op == opBetween {
		if err := check(c.lo); err != nil {
			return err
		}
		return check(c.hi)
	}
	for _, v := range c.vals {
		if err := check(v); err != nil {
			return err
		}
	}
	return nil
}

func parseTime(v string) (time.Time, error) {
	lo, _, err := timeRange(v)
	return lo, err
}

// timeRange resolves a time literal to the instants it covers. A date
// covers its whole UTC day, so "<= 2024-01-31" includes that evening.
func timeRange(v string) (lo, hi time.Time, err error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, t, nil
	}
	if t, err := time.Parse(time.DateOnly, v); err == nil {
		return t, t.Add(24*time.Hour - time.Nanosecond), nil
	}
	return time.Time{}, time.Time{}, fmt.Errorf("%q is not RFC3339 or YYYY-MM-DD", v)
}

func numberLiteral(v string) (string, error) {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("%q is not a number", v)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return strconv.FormatInt(int64(f), 10), nil
	}
	return strconv.FormatFloat(f, 'f', -1, 64), nil
}

func (c clause) ordering() bool {
	switch c.op {
	case opGt, opGe, opLt, opLe, opBetween:
		return true
	}
	return false
}

// ---- evaluation ----

// exprEnv is the view of Content the generated programs run against.
// Strings and tags are lowercased; times are Unix nanoseconds with a zero
// time sorting before every literal.
type exprEnv struct {
	ID           int64             `expr:"id"`
	Platform     string            `expr:"platform"`
	Author       string            `expr:"author"`
	Title        string            `expr:"title"`
	URL          string            `expr:"url"`
	Description  string            `expr:"description"`
	ReviewStatus string            `expr:"review_status"`
	Tags         []string          `expr:"tags"`
	IsNSFW       bool              `expr:"is_nsfw"`
	CreatedAt    int64             `expr:"created_at"`
	UpdatedAt    int64             `expr:"updated_at"`
	Attrs        map[string]string `expr:"attrs"`
}

func newExprEnv(c domain.Content) exprEnv {
	tags := make([]string, 0, len(c.Tags))
	for _, t := range c.Tags {
		tags = append(tags, strings.ToLower(t))
	}
	return exprEnv{
		ID:           c.ID,
		Platform:     strings.ToLower(c.Platform),
		Author:       strings.ToLower(c.Author),
		Title:        strings.ToLower(c.Title),
		URL:          strings.ToLower(c.URL),
		Description:  strings.ToLower(c.Description),
		ReviewStatus: strings.ToLower(string(c.ReviewStatus)),
		Tags:         tags,
		IsNSFW:       c.IsNSFW,
		CreatedAt:    unixNanos(c.CreatedAt),
		UpdatedAt:    unixNanos(c.UpdatedAt),
		Attrs:        c.Attrs,
	}
}

func unixNanos(t time.Time) int64 {
	if t.IsZero() {
		return math.MinInt64
	}
	return t.UnixNano()
}

var exprOptions = []expr.Option{
	expr.Env(exprEnv{}),
	expr.AsBool(),
	// attr looks a key up exactly, then case-insensitively. Missing is "".
	expr.Function("attr", func(params ...any) (any, error) {
		m, _ := params[0].(map[string]string)
		key, _ := params[1].(string)
		if v, ok := m[key]; ok {
			return v, nil
		}
		for k, v := range m {
			if strings.EqualFold(k, key) {
				return v, nil
			}
		}
		return "", nil
	}, new(func(map[string]string, string) string)),
	// cmp orders attrs values: numerically when both sides are numbers,
	// case-insensitively otherwise.
	expr.Function("cmp", func(params ...any) (any, error) {
		a, _ := params[0].(string)
		b, _ := params[1].(string)
		return compareAttr(a, b), nil
	}),
}

func compareAttr(a, b string) int {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	return strings.Compare(strings.ToLower(a), strings.ToLower(b))
}

// source rewrites the clause into expr-lang.
func (c clause) source() (string, error) {
	switch {
	case c.kind == kindSet:
		return c.setSource()
	case c.kind == kindTime:
		return c.timeSource()
	case c.attr != "":
		return c.attrSource(), nil
	}

	lit := func(v string) (string, error) {
		switch c.kind {
		case kindNumber:
			return numberLiteral(v)
		case kindBool:
			b, err := strconv.ParseBool(v)
			return strconv.FormatBool(b), err
		}
		return strconv.Quote(strings.ToLower(v)), nil
	}
	list := func() (string, error) {
		out := make([]string, 0, len(c.vals))
		for _, v := range c.vals {
			l, err := lit(v)
			if err != nil {
				return "", err
			}
			out = append(out, l)
		}
		return "[" + strings.Join(out, ", ") + "]", nil
	}

	f := c.field
	switch c.op {
	case opIn, opHasAny, opNotIn, opHasAll:
		l, err := list()
		if err != nil {
			return "", err
		}
		switch c.op {
		case opNotIn:
			return f + " not in " + l, nil
		case opHasAll:
			return "all(" + l + ", # == " + f + ")", nil
		}
		return f + " in " + l, nil
	case opContain:
		if c.kind == kindNumber {
			f = "string(" + f + ")"
		}
		return f + " contains " + strconv.Quote(strings.ToLower(c.vals[0])), nil
	case opBetween:
		lo, err := lit(c.lo)
		if err != nil {
			return "", err
		}
		hi, err := lit(c.hi)
		if err != nil {
			return "", err
		}
		return f + " >= " + lo + " && " + f + " <= " + hi, nil
	}
	v, err := lit(c.vals[0])
	if err != nil {
		return "", err
	}
	return f + " " + string(c.op) + " " + v, nil
}

func (c clause) setSource() (string, error) {
	if c.ordering() {
		n := c
		n.field, n.kind = "len(tags)", kindNumber
		return n.source()
	}
	quoted := make([]string, 0, len(c.vals))
	for _, v := range c.vals {
		quoted = append(quoted, strconv.Quote(strings.ToLower(v)))
	}
	l := "[" + strings.Join(quoted, ", ") + "]"
	switch c.op {
	case opEq, opContain:
		return quoted[0] + " in tags", nil
	case opNe:
		return quoted[0] + " not in tags", nil
	case opIn, opHasAny:
		return "any(" + l + ", # in tags)", nil
	case opNotIn:
		return "none(" + l + ", # in tags)", nil
	case opHasAll:
		return "all(" + l + ", # in tags)", nil
	}
	return "", fmt.Errorf("tags do not support %s", c.op)
}

func (c clause) timeSource() (string, error) {
	f := c.field
	day := func(v string) (string, string, error) {
		lo, hi, err := timeRange(v)
		if err != nil {
			return "", "", err
		}
		return strconv.FormatInt(lo.UnixNano(), 10), strconv.FormatInt(hi.UnixNano(), 10), nil
	}
	within := func(v string) (string, error) {
		lo, hi, err := day(v)
		if err != nil {
			return "", err
		}
		return "(" + f + " >= " + lo + " && " + f + " <= " + hi + ")", nil
	}
	anyWithin := func(join string) (string, error) {
		out := make([]string, 0, len(c.vals))
		for _, v := range c.vals {
			w, err := within(v)
			if err != nil {
				return "", err
			}
			out = append(out, w)
		}
		return strings.Join(out, join), nil
	}

	switch c.op {
	case opEq:
		return within(c.vals[0])
	case opNe:
		w, err := within(c.vals[0])
		return "not " + w, err
	case opIn, opHasAny:
		return anyWithin(" || ")
	case opNotIn:
		w, err := anyWithin(" || ")
		return "not (" + w + ")", err
	case opHasAll:
		return anyWithin(" && ")
	case opBetween:
		lo, _, err := day(c.lo)
		if err != nil {
			return "", err
		}
		_, hi, err := day(c.hi)
		if err != nil {
			return "", err
		}
		return f + " >= " + lo + " && " + f + " <= " + hi, nil
	}
	lo, hi, err := day(c.vals[0])
	if err != nil {
		return "", err
	}
	switch c.op {
	case opGt:
		return f + " > " + hi, nil
	case opGe:
		return f + " >= " + lo, nil
	case opLt:
		return f + " < " + lo, nil
	case opLe:
		return f + " <= " + hi, nil
	}
	return "", fmt.Errorf("%s does not support %s", f, c.op)
}

func (c clause) attrSource() string {
	get := "attr(attrs, " + strconv.Quote(c.attr) + ")"
	cmp := func(v string) string { return "cmp(" + get + ", " + v + ")" }
	quoted := make([]string, 0, len(c.vals))
	for _, v := range c.vals {
		quoted = append(quoted, strconv.Quote(v))
	}
	l := "[" + strings.Join(quoted, ", ") + "]"

	switch c.op {
	case opIn, opHasAny:
		return "any(" + l + ", " + cmp("#") + " == 0)"
	case opNotIn:
		return "none(" + l + ", " + cmp("#") + " == 0)"
	case opHasAll:
		return "all(" + l + ", " + cmp("#") + " == 0)"
	case opContain:
		return "lower(" + get + ") contains " + strconv.Quote(strings.ToLower(c.vals[0]))
	case opBetween:
		return cmp(strconv.Quote(c.lo)) + " >= 0 && " + cmp(strconv.Quote(c.hi)) + " <= 0"
	}
	return cmp(quoted[0]) + " " + string(c.op) + " 0"
}
