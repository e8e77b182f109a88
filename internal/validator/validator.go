// Package validator decides whether generated SQL is safe to execute.
//
// Validation is pure: the same statement and schema context always produce
// the same verdict. Rules are evaluated in a fixed order and the first
// violation determines the rejection reason:
//
//  1. the statement is a single read-only query (no DDL, DML or procedural keywords)
//  2. there is exactly one statement
//  3. every referenced table and column exists in the schema context
//  4. no denied construct (system schemas, dangerous functions, comments)
package validator

import (
	"fmt"
	"strings"

	"github.com/ashureev/delfos/internal/domain"
)

// Rule names reported in rejected verdicts.
const (
	RuleStatementKind      = "statement_kind"
	RuleMultipleStatements = "multiple_statements"
	RuleUnknownIdentifier  = "unknown_identifier"
	RuleDeniedConstruct    = "denied_construct"
)

// Validator applies a Policy to SQL candidates. It holds no mutable state and
// is safe for concurrent use.
type Validator struct {
	allowed         map[string]struct{}
	forbidden       map[string]struct{}
	deniedKeywords  map[string]struct{}
	deniedFunctions map[string]struct{}
	deniedPrefixes  []string
	deniedSchemas   map[string]struct{}
	allowedSchemas  map[string]struct{}
	allowComments   bool
}

// New compiles p into a Validator.
func New(p Policy) *Validator {
	prefixes := make([]string, 0, len(p.DeniedFunctionPrefixes))
	for _, pre := range p.DeniedFunctionPrefixes {
		prefixes = append(prefixes, strings.ToLower(pre))
	}
	return &Validator{
		allowed:         lowerSet(p.AllowedStatements),
		forbidden:       lowerSet(p.ForbiddenKeywords),
		deniedKeywords:  lowerSet(p.DeniedKeywords),
		deniedFunctions: lowerSet(p.DeniedFunctions),
		deniedPrefixes:  prefixes,
		deniedSchemas:   lowerSet(p.DeniedSchemas),
		allowedSchemas:  lowerSet(p.AllowedSchemas),
		allowComments:   p.AllowComments,
	}
}

// Validate returns the verdict for sql against schema.
func (v *Validator) Validate(sql string, schema domain.SchemaContext) domain.Verdict {
	toks, err := lex(sql)
	if err != nil {
		return domain.Reject(RuleStatementKind, "malformed statement: "+err.Error())
	}

	var sig, comments []token
	for _, t := range toks {
		if t.kind == tokComment {
			comments = append(comments, t)
			continue
		}
		sig = append(sig, t)
	}

	if reason := v.checkStatementKind(sig); reason != "" {
		return domain.Reject(RuleStatementKind, reason)
	}

	sig, reason := checkSingleStatement(sig)
	if reason != "" {
		return domain.Reject(RuleMultipleStatements, reason)
	}

	a := analyze(sig)
	if reason := v.checkIdentifiers(a, schema); reason != "" {
		return domain.Reject(RuleUnknownIdentifier, reason)
	}
	if reason := v.checkDenied(a, comments); reason != "" {
		return domain.Reject(RuleDeniedConstruct, reason)
	}
	return domain.Accept()
}

func (v *Validator) checkStatementKind(sig []token) string {
	start := 0
	for start < len(sig) && sig[start].is("(") {
		start++
	}
	if start >= len(sig) {
		return "empty statement"
	}
	first := sig[start]
	if _, ok := v.allowed[first.lower()]; first.kind != tokWord || !ok {
		return fmt.Sprintf("only read-only queries are allowed, statement starts with %q", first.text)
	}
	for _, t := range sig {
		if t.kind != tokWord {
			continue
		}
		if _, ok := v.forbidden[t.lower()]; ok {
			return fmt.Sprintf("%s is not allowed in a read-only query", strings.ToUpper(t.text))
		}
	}
	return ""
}

// checkSingleStatement tolerates trailing semicolons and returns the tokens
// without them.
func checkSingleStatement(sig []token) ([]token, string) {
	for i, t := range sig {
		if !t.is(";") {
			continue
		}
		for _, rest := range sig[i+1:] {
			if !rest.is(";") {
				return nil, "multiple statements are not allowed"
			}
		}
		return sig[:i], ""
	}
	return sig, ""
}

func (v *Validator) checkIdentifiers(a *analysis, schema domain.SchemaContext) string {
	var realTables []string
	for _, ref := range a.tables {
		key := domain.TableKey(ref.last())
		if _, ok := a.ctes[key]; ok && len(ref.parts) == 1 {
			continue
		}
		if !schema.HasTable(key) {
			return fmt.Sprintf("unknown table %q", ref.text())
		}
		if len(ref.parts) > 1 && !v.knownSchema(ref.parts[len(ref.parts)-2]) {
			return fmt.Sprintf("unknown schema %q in %q", ref.parts[len(ref.parts)-2], ref.text())
		}
		realTables = append(realTables, key)
	}

	for _, ref := range a.columns {
		if qualifier, ok := schemaQualifier(ref); ok && !v.knownSchema(qualifier) && !a.isLocalName(qualifier) {
			return fmt.Sprintf("unknown schema %q in %q", qualifier, ref.text())
		}
		if ref.star || len(ref.parts) >= 2 {
			qualifier := ref.parts[len(ref.parts)-1]
			column := ""
			if !ref.star {
				qualifier = ref.parts[len(ref.parts)-2]
				column = ref.last()
			}
			table, verifiable, ok := a.resolveQualifier(qualifier, realTables)
			if !ok {
				return fmt.Sprintf("unknown table or alias %q", qualifier)
			}
			if verifiable && column != "" && !schema.HasColumn(table, column) {
				return fmt.Sprintf("unknown column %q", qualifier+"."+column)
			}
			continue
		}

		column := ref.last()
		if _, ok := a.aliases[column]; ok {
			continue
		}
		if _, ok := a.cteColumns[column]; ok {
			continue
		}
		found := false
		for _, table := range realTables {
			if schema.HasColumn(table, column) {
				found = true
				break
			}
		}
		if !found && !a.opaqueSources {
			return fmt.Sprintf("unknown column %q", ref.text())
		}
	}
	return ""
}

func (v *Validator) checkDenied(a *analysis, comments []token) string {
	if !v.allowComments && len(comments) > 0 {
		return "comments are not allowed"
	}
	for _, t := range a.toks {
		switch t.kind {
		case tokWord:
			if _, ok := v.deniedKeywords[t.lower()]; ok {
				return fmt.Sprintf("%s is not allowed", strings.ToUpper(t.text))
			}
		case tokParam:
			if strings.HasPrefix(t.text, "@@") {
				return fmt.Sprintf("system variable %s is not allowed", t.text)
			}
		}
	}
	for _, fn := range a.funcs {
		name := fn.last()
		if _, ok := v.deniedFunctions[name]; ok {
			return fmt.Sprintf("function %s is not allowed", name)
		}
		for _, pre := range v.deniedPrefixes {
			if strings.HasPrefix(name, pre) {
				return fmt.Sprintf("function %s is not allowed", name)
			}
		}
		if len(fn.parts) > 1 {
			if reason := v.deniedSchema(a, fn.parts[0]); reason != "" {
				return reason
			}
		}
	}
	for _, ref := range a.tables {
		if len(ref.parts) > 1 {
			if reason := v.deniedSchema(a, ref.parts[0]); reason != "" {
				return reason
			}
		}
	}
	for _, ref := range a.columns {
		if len(ref.parts) > 2 || (len(ref.parts) == 2 && !ref.star) {
			if reason := v.deniedSchema(a, ref.parts[0]); reason != "" {
				return reason
			}
		}
	}
	return ""
}

// knownSchema reports whether a table qualifier may pass the identifier
// check. Denied schemas pass here so the denied-construct rule reports them.
func (v *Validator) knownSchema(name string) bool {
	if _, ok := v.allowedSchemas[name]; ok {
		return true
	}
	_, denied := v.deniedSchemas[name]
	return denied
}

// schemaQualifier returns the schema part of a column reference such as
// hr.clients.id or hr.clients.*.
func schemaQualifier(r ref) (string, bool) {
	switch {
	case r.star && len(r.parts) >= 2:
		return r.parts[len(r.parts)-2], true
	case !r.star && len(r.parts) >= 3:
		return r.parts[len(r.parts)-3], true
	}
	return "", false
}

func (v *Validator) deniedSchema(a *analysis, name string) string {
	if _, ok := v.deniedSchemas[name]; !ok {
		return ""
	}
	if a.isLocalName(name) {
		return ""
	}
	return fmt.Sprintf("access to system schema %s is not allowed", name)
}

func lowerSet(words []string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[strings.ToLower(strings.TrimSpace(w))] = struct{}{}
	}
	return m
}
