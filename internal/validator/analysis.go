package validator

import (
	"strings"

	"github.com/ashureev/delfos/internal/domain"
)

type role uint8

const (
	roleNone role = iota
	roleKeyword
	roleTable
	roleTableAlias
	roleAlias
	roleCTE
	roleFunc
	roleColumn
	roleOther
)

type parenKind uint8

const (
	parenGroup parenKind = iota
	parenSubquery
	parenCall
	parenTop
)

// ref is a possibly qualified name such as clients, dbo.clients or c.type.
type ref struct {
	parts []string // normalized, unquoted and lowercased
	raw   string
	star  bool // qualifier.*
}

func (r ref) last() string { return r.parts[len(r.parts)-1] }
func (r ref) text() string { return r.raw }

// analysis is a shallow structural reading of a single SELECT statement. It
// does not build a parse tree; it only assigns a role to each identifier.
type analysis struct {
	toks          []token
	roles         []role
	closers       map[int]parenKind
	tables        []ref
	tableAliases  map[string]string // alias -> table key, "" for non-base sources
	aliases       map[string]struct{}
	ctes          map[string]struct{}
	cteColumns    map[string]struct{}
	funcs         []ref
	columns       []ref
	opaqueSources bool // table functions whose columns cannot be checked
}

func analyze(toks []token) *analysis {
	a := &analysis{
		toks:         toks,
		roles:        make([]role, len(toks)),
		closers:      make(map[int]parenKind),
		tableAliases: make(map[string]string),
		aliases:      make(map[string]struct{}),
		ctes:         make(map[string]struct{}),
		cteColumns:   make(map[string]struct{}),
	}
	a.parseCTEs()
	a.scanSources()
	a.classify()
	return a
}

func (t token) isWord(w string) bool {
	return t.kind == tokWord && strings.EqualFold(t.text, w)
}

func isKeyword(t token) bool {
	if t.kind != tokWord {
		return false
	}
	_, ok := keywords[t.lower()]
	return ok
}

func (a *analysis) parseCTEs() {
	t := a.toks
	if len(t) == 0 || !t[0].isWord("with") {
		return
	}
	a.roles[0] = roleKeyword
	i := 1
	if i < len(t) && t[i].isWord("recursive") {
		a.roles[i] = roleKeyword
		i++
	}
	for i < len(t) && t[i].isIdent() {
		a.ctes[t[i].lower()] = struct{}{}
		a.roles[i] = roleCTE
		i++
		if i < len(t) && t[i].is("(") && !a.startsSubquery(i) {
			j := i + 1
			for j < len(t) && !t[j].is(")") {
				if t[j].isIdent() {
					a.cteColumns[t[j].lower()] = struct{}{}
					a.roles[j] = roleAlias
				}
				j++
			}
			i = j + 1
		}
		for i < len(t) && (t[i].isWord("as") || t[i].isWord("not") || t[i].isWord("materialized")) {
			a.roles[i] = roleKeyword
			i++
		}
		if i >= len(t) || !t[i].is("(") {
			return
		}
		i = a.matching(i) + 1
		if i < len(t) && t[i].is(",") {
			i++
			continue
		}
		return
	}
}

func (a *analysis) scanSources() {
	var stack []parenKind
	t := a.toks
	for i := range t {
		switch {
		case t[i].is("("):
			stack = append(stack, a.parenKindAt(i))
		case t[i].is(")"):
			if len(stack) > 0 {
				a.closers[i] = stack[len(stack)-1]
				stack = stack[:len(stack)-1]
			}
		case t[i].isWord("from"):
			// EXTRACT(x FROM y), TRIM(x FROM y) and IS DISTINCT FROM are not table clauses.
			if len(stack) > 0 && stack[len(stack)-1] == parenCall {
				continue
			}
			if i > 0 && t[i-1].isWord("distinct") {
				continue
			}
			a.parseSources(i+1, true)
		case t[i].isWord("join"):
			a.parseSources(i+1, false)
		}
	}
}

func (a *analysis) parenKindAt(i int) parenKind {
	if a.startsSubquery(i) {
		return parenSubquery
	}
	if i == 0 {
		return parenGroup
	}
	prev := a.toks[i-1]
	if prev.isWord("top") {
		return parenTop
	}
	if prev.kind == tokQuoted {
		return parenCall
	}
	if prev.kind == tokWord {
		if _, intro := subqueryIntroducers[prev.lower()]; !intro {
			return parenCall
		}
	}
	return parenGroup
}

func (a *analysis) startsSubquery(i int) bool {
	j := i + 1
	for j < len(a.toks) && a.toks[j].is("(") {
		j++
	}
	return j < len(a.toks) && (a.toks[j].isWord("select") || a.toks[j].isWord("with"))
}

// matching returns the index of the parenthesis closing the one at i.
func (a *analysis) matching(i int) int {
	depth := 0
	for j := i; j < len(a.toks); j++ {
		switch {
		case a.toks[j].is("("):
			depth++
		case a.toks[j].is(")"):
			depth--
			if depth == 0 {
				return j
			}
		}
	}
	return len(a.toks) - 1
}

// parseSources reads the table list after FROM or JOIN. Function and
// subquery sources are stepped over so the rest of the list is still read;
// their contents are left to the main scan.
func (a *analysis) parseSources(j int, list bool) {
	t := a.toks
	for j < len(t) {
		for j < len(t) && (t[j].isWord("lateral") || t[j].isWord("only")) {
			a.roles[j] = roleKeyword
			j++
		}
		if j >= len(t) {
			return
		}

		target := ""
		switch {
		case t[j].is("("):
			j = a.matching(j) + 1
		case t[j].isIdent() && !isKeyword(t[j]):
			r, end := a.readChain(j)
			if end < len(t) && t[end].is("(") {
				a.mark(j, end, roleFunc)
				a.funcs = append(a.funcs, r)
				a.opaqueSources = true
				j = a.matching(end) + 1
				break
			}
			a.mark(j, end, roleTable)
			a.tables = append(a.tables, r)
			target = domain.TableKey(r.last())
			if _, ok := a.ctes[target]; ok {
				target = ""
			}
			j = end
		default:
			return
		}

		j = a.sourceAlias(j, target)
		if !list || j >= len(t) || !t[j].is(",") {
			return
		}
		j++
	}
}

// sourceAlias reads an optional alias and column alias list after a source
// at j and returns the index just past them. target is the table key the
// alias stands for, "" when its columns are not in the schema context.
func (a *analysis) sourceAlias(j int, target string) int {
	t := a.toks
	if j < len(t) && t[j].isWord("as") {
		a.roles[j] = roleKeyword
		j++
	}
	if j >= len(t) || !t[j].isIdent() || isKeyword(t[j]) {
		return j
	}
	a.roles[j] = roleTableAlias
	a.tableAliases[t[j].lower()] = target
	j++
	if j < len(t) && t[j].is("(") && !a.startsSubquery(j) {
		end := a.matching(j)
		for k := j + 1; k < end; k++ {
			if t[k].isIdent() {
				a.roles[k] = roleAlias
				a.aliases[t[k].lower()] = struct{}{}
			}
		}
		j = end + 1
	}
	return j
}

// readChain reads ident(.ident)* starting at i, optionally ending in .*, and
// returns the index just past it.
func (a *analysis) readChain(i int) (ref, int) {
	t := a.toks
	r := ref{parts: []string{t[i].lower()}}
	raw := []string{t[i].text}
	j := i + 1
	for j+1 < len(t) && t[j].is(".") {
		if t[j+1].isIdent() {
			r.parts = append(r.parts, t[j+1].lower())
			raw = append(raw, t[j+1].text)
			j += 2
			continue
		}
		if t[j+1].is("*") {
			r.star = true
			j += 2
		}
		break
	}
	r.raw = strings.Join(raw, ".")
	return r, j
}

func (a *analysis) mark(from, to int, rl role) {
	for k := from; k < to; k++ {
		if a.toks[k].isIdent() {
			a.roles[k] = rl
		}
	}
}

func (a *analysis) classify() {
	t := a.toks
	for i := 0; i < len(t); i++ {
		tok := t[i]
		if a.roles[i] != roleNone || !tok.isIdent() {
			continue
		}
		if isKeyword(tok) {
			a.roles[i] = roleKeyword
			continue
		}
		r, end := a.readChain(i)
		switch {
		case !r.star && end < len(t) && t[end].is("("):
			a.mark(i, end, roleFunc)
			a.funcs = append(a.funcs, r)
		case i > 0 && t[i-1].is("::"):
			// Type name of a cast.
			a.mark(i, end, roleOther)
		case !r.star && len(r.parts) == 1 && end < len(t) && t[end].kind == tokString:
			// Typed literal such as DATE '2024-01-01'.
			a.roles[i] = roleOther
		case len(r.parts) == 1 && !r.star && i > 0 && t[i-1].isWord("as"):
			a.roles[i] = roleAlias
			a.aliases[r.parts[0]] = struct{}{}
		case len(r.parts) == 1 && !r.star && a.isImplicitAlias(i):
			a.roles[i] = roleAlias
			a.aliases[r.parts[0]] = struct{}{}
		default:
			a.mark(i, end, roleColumn)
			a.columns = append(a.columns, r)
		}
		i = end - 1
	}
}

// isImplicitAlias reports whether the identifier at i directly follows a
// complete expression, which only happens for an alias without AS.
func (a *analysis) isImplicitAlias(i int) bool {
	if i == 0 {
		return false
	}
	prev := a.toks[i-1]
	switch prev.kind {
	case tokQuoted, tokString:
		return true
	case tokNumber:
		return !(i > 1 && a.toks[i-2].isWord("top"))
	case tokWord:
		if prev.isWord("end") {
			return true
		}
		return a.roles[i-1] == roleColumn
	case tokPunct:
		if prev.text != ")" {
			return false
		}
		kind, ok := a.closers[i-1]
		return ok && kind != parenTop
	}
	return false
}

// resolveQualifier maps a qualifier to a base table. verifiable is false for
// sources whose columns are not in the schema context (CTEs, subqueries).
func (a *analysis) resolveQualifier(q string, realTables []string) (table string, verifiable bool, ok bool) {
	if target, found := a.tableAliases[q]; found {
		return target, target != "", true
	}
	if _, found := a.ctes[q]; found {
		return "", false, true
	}
	for _, rt := range realTables {
		if rt == q {
			return rt, true, true
		}
	}
	if _, found := a.aliases[q]; found {
		return "", false, true
	}
	return "", false, false
}

func (a *analysis) isLocalName(name string) bool {
	if _, ok := a.tableAliases[name]; ok {
		return true
	}
	if _, ok := a.ctes[name]; ok {
		return true
	}
	if _, ok := a.aliases[name]; ok {
		return true
	}
	for _, r := range a.tables {
		if domain.TableKey(r.last()) == name {
			return true
		}
	}
	return false
}
