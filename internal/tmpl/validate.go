package tmpl

import (
	"strings"
	"unicode"
)

// AttrTagError reports a control-flow tag placed inside an HTML attribute
// value.
type AttrTagError struct {
	Tag  string
	Line int
}

func (e *AttrTagError) Error() string {
	return "{% " + e.Tag + " %} inside an HTML attribute value; " +
		"use an inline conditional such as class=\"base {{ 'extra' if cond else '' }}\""
}

var blockTagsInAttrs = map[string]bool{
	"if": true, "elif": true, "else": true, "endif": true, "for": true, "endfor": true,
	"empty": true,
}

// ValidateAttributes rejects if and for tags inside quoted attribute values.
// Such tags make the rendered element list depend on text the VDOM builder
// sees as one attribute, so patch paths would stop matching the browser DOM.
func ValidateAttributes(src string) error {
	const (
		outside = iota
		inTag
		inValue
	)
	state := outside
	var quote byte
	line := 1

	for i := 0; i < len(src); i++ {
		c := src[i]
		if c == '\n' {
			line++
		}
		switch state {
		case outside:
			if c == '<' && i+1 < len(src) {
				next := rune(src[i+1])
				if unicode.IsLetter(next) || next == '/' {
					state = inTag
				}
			}
		case inTag:
			if c == '>' {
				state = outside
				continue
			}
			if c != '"' && c != '\'' {
				continue
			}
			j := i - 1
			for j > 0 && (src[j] == ' ' || src[j] == '\t' || src[j] == '\n') {
				j--
			}
			if j >= 0 && src[j] == '=' {
				state = inValue
				quote = c
			}
		case inValue:
			if c == quote {
				state = inTag
				continue
			}
			if c != '{' || i+1 >= len(src) || src[i+1] != '%' {
				continue
			}
			end := strings.Index(src[i+2:], "%}")
			if end < 0 {
				continue
			}
			name, _ := tagName(strings.TrimSpace(src[i+2 : i+2+end]))
			if blockTagsInAttrs[name] {
				return &AttrTagError{Tag: name, Line: line}
			}
		}
	}
	return nil
}
