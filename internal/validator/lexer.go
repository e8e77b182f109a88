package validator

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokenKind int

const (
	tokWord    tokenKind = iota // bare identifier or keyword
	tokQuoted                   // "ident", [ident] or `ident`
	tokString                   // 'literal' or $$literal$$
	tokNumber
	tokParam // $1, @p, :name, ?
	tokPunct
	tokComment
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// lower returns the lowercased text for words and the unquoted lowercased
// name for quoted identifiers.
func (t token) lower() string {
	if t.kind == tokQuoted {
		return strings.ToLower(t.text[1 : len(t.text)-1])
	}
	return strings.ToLower(t.text)
}

func (t token) isIdent() bool {
	return t.kind == tokWord || t.kind == tokQuoted
}

func (t token) is(punct string) bool {
	return t.kind == tokPunct && t.text == punct
}

var errUnterminated = errors.New("unterminated")

// lex splits sql into tokens. Literal contents never produce word tokens, so
// keywords inside strings or quoted identifiers are not seen by the rules.
func lex(sql string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(sql) {
		c := sql[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v':
			i++

		case c == '-' && i+1 < len(sql) && sql[i+1] == '-':
			end := strings.IndexByte(sql[i:], '\n')
			if end < 0 {
				end = len(sql) - i
			}
			toks = append(toks, token{tokComment, sql[i : i+end], i})
			i += end

		case c == '/' && i+1 < len(sql) && sql[i+1] == '*':
			end := strings.Index(sql[i+2:], "*/")
			if end < 0 {
				return nil, fmt.Errorf("%w block comment at offset %d", errUnterminated, i)
			}
			toks = append(toks, token{tokComment, sql[i : i+2+end+2], i})
			i += 2 + end + 2

		case c == '\'':
			end, err := scanQuoted(sql, i, '\'')
			if err != nil {
				return nil, fmt.Errorf("%w string literal at offset %d", errUnterminated, i)
			}
			toks = append(toks, token{tokString, sql[i:end], i})
			i = end

		case c == '"' || c == '`':
			end, err := scanQuoted(sql, i, c)
			if err != nil {
				return nil, fmt.Errorf("%w quoted identifier at offset %d", errUnterminated, i)
			}
			toks = append(toks, token{tokQuoted, sql[i:end], i})
			i = end

		case c == '[':
			end := strings.IndexByte(sql[i:], ']')
			if end < 0 {
				return nil, fmt.Errorf("%w bracketed identifier at offset %d", errUnterminated, i)
			}
			toks = append(toks, token{tokQuoted, sql[i : i+end+1], i})
			i += end + 1

		case c == '$':
			if i+1 < len(sql) && isDigit(sql[i+1]) {
				j := i + 1
				for j < len(sql) && isDigit(sql[j]) {
					j++
				}
				toks = append(toks, token{tokParam, sql[i:j], i})
				i = j
				continue
			}
			tagEnd := i + 1
			for tagEnd < len(sql) && (isWordByte(sql[tagEnd]) && sql[tagEnd] != '$') {
				tagEnd++
			}
			if tagEnd < len(sql) && sql[tagEnd] == '$' {
				tag := sql[i : tagEnd+1]
				end := strings.Index(sql[tagEnd+1:], tag)
				if end < 0 {
					return nil, fmt.Errorf("%w dollar-quoted string at offset %d", errUnterminated, i)
				}
				stop := tagEnd + 1 + end + len(tag)
				toks = append(toks, token{tokString, sql[i:stop], i})
				i = stop
				continue
			}
			toks = append(toks, token{tokPunct, "$", i})
			i++

		case c == '@':
			j := i + 1
			for j < len(sql) && (isWordByte(sql[j]) || sql[j] == '@') {
				j++
			}
			toks = append(toks, token{tokParam, sql[i:j], i})
			i = j

		case c == '?':
			toks = append(toks, token{tokParam, "?", i})
			i++

		case c == ':':
			if i+1 < len(sql) && sql[i+1] == ':' {
				toks = append(toks, token{tokPunct, "::", i})
				i += 2
				continue
			}
			if i+1 < len(sql) && isWordStart(sql[i+1]) {
				j := i + 1
				for j < len(sql) && isWordByte(sql[j]) {
					j++
				}
				toks = append(toks, token{tokParam, sql[i:j], i})
				i = j
				continue
			}
			toks = append(toks, token{tokPunct, ":", i})
			i++

		case isDigit(c) || (c == '.' && i+1 < len(sql) && isDigit(sql[i+1])):
			j := i
			for j < len(sql) && (isDigit(sql[j]) || sql[j] == '.') {
				j++
			}
			if j < len(sql) && (sql[j] == 'e' || sql[j] == 'E') {
				k := j + 1
				if k < len(sql) && (sql[k] == '+' || sql[k] == '-') {
					k++
				}
				if k < len(sql) && isDigit(sql[k]) {
					j = k
					for j < len(sql) && isDigit(sql[j]) {
						j++
					}
				}
			}
			toks = append(toks, token{tokNumber, sql[i:j], i})
			i = j

		case isWordStart(c) || c == '#' || c >= utf8.RuneSelf:
			_, first := utf8.DecodeRuneInString(sql[i:])
			j := i + first
			for j < len(sql) {
				if sql[j] >= utf8.RuneSelf {
					r, size := utf8.DecodeRuneInString(sql[j:])
					if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
						break
					}
					j += size
					continue
				}
				if !isWordByte(sql[j]) {
					break
				}
				j++
			}
			// Prefixed literals: N'...', E'...', X'...', B'...'.
			if j-i == 1 && j < len(sql) && sql[j] == '\'' && strings.ContainsRune("nNeExXbB", rune(c)) {
				end, err := scanQuoted(sql, j, '\'')
				if err != nil {
					return nil, fmt.Errorf("%w string literal at offset %d", errUnterminated, i)
				}
				toks = append(toks, token{tokString, sql[i:end], i})
				i = end
				continue
			}
			toks = append(toks, token{tokWord, sql[i:j], i})
			i = j

		default:
			op := string(c)
			if i+1 < len(sql) {
				switch sql[i : i+2] {
				case "<=", ">=", "<>", "!=", "||", "->", "=>":
					op = sql[i : i+2]
				}
			}
			toks = append(toks, token{tokPunct, op, i})
			i += len(op)
		}
	}
	return toks, nil
}

// scanQuoted returns the offset just past the closing quote, treating a
// doubled quote as an escape.
func scanQuoted(sql string, start int, quote byte) (int, error) {
	i := start + 1
	for i < len(sql) {
		if sql[i] == quote {
			if i+1 < len(sql) && sql[i+1] == quote {
				i += 2
				continue
			}
			return i + 1, nil
		}
		i++
	}
	return 0, errUnterminated
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isWordStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isWordByte(c byte) bool {
	return isWordStart(c) || isDigit(c) || c == '$'
}
