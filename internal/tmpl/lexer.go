// Package tmpl parses and renders the Django-style template subset used by
// liveweave views: variable interpolation with filters, if/elif/else, for
// with empty and reversed, with, block, include and comments.
//
// The parse tree is shared by the path extractor and the renderer so both see
// the same structure for a given template text.
package tmpl

import (
	"fmt"
	"strings"
)

// TokenKind classifies a lexed template token.
type TokenKind int

const (
	TokenText TokenKind = iota
	TokenVar
	TokenBlock
	TokenComment
)

func (k TokenKind) String() string {
	switch k {
	case TokenText:
		return "text"
	case TokenVar:
		return "var"
	case TokenBlock:
		return "block"
	case TokenComment:
		return "comment"
	default:
		return "unknown"
	}
}

// Token is one piece of template source. For tag tokens Value holds the
// trimmed content between the delimiters.
type Token struct {
	Kind  TokenKind
	Value string
	Raw   string
	Line  int
}

// SyntaxError reports malformed template source.
type SyntaxError struct {
	Line int
	Msg  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

func syntaxErrorf(line int, format string, args ...interface{}) error {
	return &SyntaxError{Line: line, Msg: fmt.Sprintf(format, args...)}
}

// Lex splits src into text and tag tokens in a single pass. Quoted strings
// inside tags may contain the closing delimiter.
func Lex(src string) ([]Token, error) {
	tokens := make([]Token, 0, strings.Count(src, "{")/2+1)
	line := 1
	textStart := 0
	i := 0

	flushText := func(end int) {
		if end > textStart {
			text := src[textStart:end]
			tokens = append(tokens, Token{Kind: TokenText, Value: text, Raw: text, Line: line})
			line += strings.Count(text, "\n")
		}
	}

	for i < len(src)-1 {
		if src[i] != '{' {
			i++
			continue
		}

		var kind TokenKind
		var closer string
		switch src[i+1] {
		case '{':
			kind, closer = TokenVar, "}}"
		case '%':
			kind, closer = TokenBlock, "%}"
		case '#':
			kind, closer = TokenComment, "#}"
		default:
			i++
			continue
		}

		flushText(i)

		end, err := findCloser(src, i+2, closer, kind != TokenComment)
		if err != nil {
			return nil, syntaxErrorf(line, "unclosed %s tag", kind)
		}

		raw := src[i : end+2]
		tokens = append(tokens, Token{
			Kind:  kind,
			Value: strings.TrimSpace(src[i+2 : end]),
			Raw:   raw,
			Line:  line,
		})
		line += strings.Count(raw, "\n")
		i = end + 2
		textStart = i
	}

	flushText(len(src))

	return tokens, nil
}

// findCloser returns the index of closer at or after start. Quoted runs are
// skipped when quotes is set.
func findCloser(src string, start int, closer string, quotes bool) (int, error) {
	var quote byte
	for j := start; j < len(src)-1; j++ {
		c := src[j]
		if quote != 0 {
			if c == '\\' {
				j++
				continue
			}
			if c == quote {
				quote = 0
			}
			continue
		}
		if quotes && (c == '"' || c == '\'') {
			quote = c
			continue
		}
		if c == closer[0] && src[j+1] == closer[1] {
			return j, nil
		}
	}
	return 0, fmt.Errorf("missing %q", closer)
}
