package tmpl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLex(t *testing.T) {
	t.Run("splits text and tags", func(t *testing.T) {
		tokens, err := Lex("a {{ x }} b\n{% if y %}c{% endif %}{# note #}")
		require.NoError(t, err)

		kinds := make([]TokenKind, len(tokens))
		for i, tok := range tokens {
			kinds[i] = tok.Kind
		}
		assert.Equal(t, []TokenKind{TokenText, TokenVar, TokenText, TokenBlock, TokenText, TokenBlock, TokenComment}, kinds)
		assert.Equal(t, "x", tokens[1].Value)
		assert.Equal(t, 2, tokens[3].Line)
	})

	t.Run("closing delimiter inside a string", func(t *testing.T) {
		tokens, err := Lex(`{{ x|default:"}}" }}`)
		require.NoError(t, err)
		require.Len(t, tokens, 1)
		assert.Equal(t, `x|default:"}}"`, tokens[0].Value)
	})

	t.Run("unclosed tag", func(t *testing.T) {
		_, err := Lex("hello {{ name")
		var syn *SyntaxError
		require.ErrorAs(t, err, &syn)
		assert.Equal(t, 1, syn.Line)
	})

	t.Run("lone braces are text", func(t *testing.T) {
		tokens, err := Lex("function() { return 1; }")
		require.NoError(t, err)
		require.Len(t, tokens, 1)
		assert.Equal(t, TokenText, tokens[0].Kind)
	})
}

func TestParseExpr(t *testing.T) {
	t.Run("path with filters", func(t *testing.T) {
		e, err := ParseExpr(`post.created|date:"Y"|default:fallback.label`)
		require.NoError(t, err)
		assert.Equal(t, []string{"post", "created"}, e.Operand.Path)
		require.Len(t, e.Filters, 2)
		assert.Equal(t, "date", e.Filters[0].Name)
		assert.Equal(t, "Y", e.Filters[0].Arg.Literal)
		assert.Equal(t, []string{"fallback", "label"}, e.Filters[1].Arg.Path)
	})

	t.Run("call arguments stop the path", func(t *testing.T) {
		e, err := ParseExpr(`items.filter(active=True).count`)
		require.NoError(t, err)
		assert.Equal(t, []string{"items", "filter"}, e.Operand.Path)
		assert.True(t, e.Operand.Call)
	})

	t.Run("inline conditional", func(t *testing.T) {
		e, err := ParseExpr(`'active' if tab.current else ''`)
		require.NoError(t, err)
		assert.True(t, e.Operand.IsLiteral)
		require.NotNil(t, e.Cond)
		assert.Equal(t, []string{"tab", "current"}, e.Cond.Value.Operand.Path)
		assert.Equal(t, "", e.Else.Operand.Literal)
	})

	t.Run("literals", func(t *testing.T) {
		for src, want := range map[string]interface{}{
			"True": true, "None": nil, "42": int64(42), "-3": int64(-3), "1.5": 1.5, `"s"`: "s",
		} {
			e, err := ParseExpr(src)
			require.NoError(t, err, src)
			assert.True(t, e.Operand.IsLiteral, src)
			assert.Equal(t, want, e.Operand.Literal, src)
		}
	})

	t.Run("errors", func(t *testing.T) {
		for _, src := range []string{"", "a..b", "a.", "x|", "'open", "a b", "and"} {
			_, err := ParseExpr(src)
			assert.Error(t, err, src)
		}
	})
}

func TestParseCond(t *testing.T) {
	c, err := ParseCond("not a.b and c.d > 3 or e in f.g")
	require.NoError(t, err)
	require.Equal(t, CondOr, c.Kind)
	require.Len(t, c.Args, 2)
	assert.Equal(t, CondAnd, c.Args[0].Kind)
	assert.Equal(t, CondNot, c.Args[0].Args[0].Kind)
	assert.Equal(t, ">", c.Args[0].Args[1].Op)
	assert.Equal(t, "in", c.Args[1].Op)

	var paths []string
	c.Walk(func(e *Expr) { paths = append(paths, e.Operand.String()) })
	assert.Equal(t, []string{"a.b", "c.d", "3", "e", "f.g"}, paths)

	c, err = ParseCond("x is not None")
	require.NoError(t, err)
	assert.Equal(t, "is not", c.Op)

	c, err = ParseCond("x not in y")
	require.NoError(t, err)
	assert.Equal(t, "not in", c.Op)
}

func TestParse(t *testing.T) {
	t.Run("nested structure", func(t *testing.T) {
		tpl, err := Parse(`{% block body %}{% for a, b in pairs reversed %}{{ a }}{% empty %}none{% endfor %}` +
			`{% if x %}1{% elif y %}2{% else %}3{% endif %}{% with n=obj.name %}{{ n }}{% endwith %}{% endblock %}`)
		require.NoError(t, err)
		require.Len(t, tpl.Nodes, 1)

		block := tpl.Nodes[0].(*BlockNode)
		assert.Equal(t, "body", block.Name)
		require.Len(t, block.Body, 3)

		loop := block.Body[0].(*ForNode)
		assert.Equal(t, []string{"a", "b"}, loop.Vars)
		assert.True(t, loop.Reversed)
		assert.Len(t, loop.Empty, 1)

		cond := block.Body[1].(*IfNode)
		assert.Len(t, cond.Branches, 2)
		assert.Len(t, cond.Else, 1)

		with := block.Body[2].(*WithNode)
		assert.Equal(t, "n", with.Bindings[0].Name)
	})

	t.Run("legacy with syntax", func(t *testing.T) {
		tpl, err := Parse(`{% with obj.total as total %}{{ total }}{% endwith %}`)
		require.NoError(t, err)
		with := tpl.Nodes[0].(*WithNode)
		assert.Equal(t, []string{"obj", "total"}, with.Bindings[0].Value.Operand.Path)
	})

	t.Run("include with bindings", func(t *testing.T) {
		tpl, err := Parse(`{% include "card.html" with item=post only %}`)
		require.NoError(t, err)
		inc := tpl.Nodes[0].(*IncludeNode)
		assert.Equal(t, "card.html", inc.Template.Operand.Literal)
		assert.True(t, inc.Only)
		assert.Equal(t, "item", inc.With[0].Name)
	})

	t.Run("comments vanish", func(t *testing.T) {
		tpl, err := Parse(`a{% comment %}{{ hidden }}{% endcomment %}{# x #}b`)
		require.NoError(t, err)
		assert.Len(t, tpl.Nodes, 2)
	})

	t.Run("malformed", func(t *testing.T) {
		for _, src := range []string{
			"{% if x %}open",
			"{% endif %}",
			"{% for in items %}{% endfor %}",
			"{% for x in %}{% endfor %}",
			"{% with %}{% endwith %}",
			"{{ }}",
			"{% for x in items %}{% else %}{% endfor %}",
		} {
			_, err := Parse(src)
			assert.Error(t, err, src)
		}
	})
}

func TestRender(t *testing.T) {
	r := NewRenderer()
	render := func(t *testing.T, src string, data map[string]interface{}) string {
		t.Helper()
		out, err := r.Render(MustParse(src), data)
		require.NoError(t, err)
		return out
	}

	t.Run("interpolation escapes", func(t *testing.T) {
		out := render(t, `<p>{{ post.title }}</p>`, map[string]interface{}{
			"post": map[string]interface{}{"title": "<b>hi</b>"},
		})
		assert.Equal(t, "<p>&lt;b&gt;hi&lt;/b&gt;</p>", out)
	})

	t.Run("safe skips escaping", func(t *testing.T) {
		out := render(t, `{{ body|safe }}`, map[string]interface{}{"body": "<i>x</i>"})
		assert.Equal(t, "<i>x</i>", out)
	})

	t.Run("loop with forloop and empty", func(t *testing.T) {
		src := `{% for item in items %}{{ forloop.counter }}:{{ item.text }}{% if not forloop.last %},{% endif %}{% empty %}none{% endfor %}`
		out := render(t, src, map[string]interface{}{
			"items": []interface{}{
				map[string]interface{}{"text": "a"},
				map[string]interface{}{"text": "b"},
			},
		})
		assert.Equal(t, "1:a,2:b", out)
		assert.Equal(t, "none", render(t, src, map[string]interface{}{"items": []interface{}{}}))
	})

	t.Run("typed slices and pseudo methods", func(t *testing.T) {
		data := map[string]interface{}{
			"post": map[string]interface{}{
				"tags": []map[string]interface{}{{"name": "go"}, {"name": "web"}},
			},
		}
		out := render(t, `{{ post.tags.count }}{% for tag in post.tags.all %} {{ tag.name }}{% endfor %} {{ post.tags.first.name }}`, data)
		assert.Equal(t, "2 go web go", out)
	})

	t.Run("reversed and unpacking", func(t *testing.T) {
		out := render(t, `{% for k, v in d.items %}{{ k }}={{ v }};{% endfor %}|{% for x in xs reversed %}{{ x }}{% endfor %}`,
			map[string]interface{}{
				"d":  map[string]interface{}{"b": 2, "a": 1},
				"xs": []interface{}{1, 2, 3},
			})
		assert.Equal(t, "a=1;b=2;|321", out)
	})

	t.Run("conditions", func(t *testing.T) {
		src := `{% if n > 2 and name == "x" %}big{% elif n == 2 %}two{% else %}small{% endif %}`
		assert.Equal(t, "big", render(t, src, map[string]interface{}{"n": 3, "name": "x"}))
		assert.Equal(t, "two", render(t, src, map[string]interface{}{"n": 2.0}))
		assert.Equal(t, "small", render(t, src, map[string]interface{}{}))
		assert.Equal(t, "yes", render(t, `{% if "a" in tags %}yes{% endif %}`, map[string]interface{}{"tags": []string{"a"}}))
		assert.Equal(t, "none", render(t, `{% if x is None %}none{% endif %}`, map[string]interface{}{}))
	})

	t.Run("with and inline if", func(t *testing.T) {
		out := render(t, `{% with name=user.profile.name %}<a class="{{ 'on' if active else 'off' }}">{{ name|upper }}</a>{% endwith %}`,
			map[string]interface{}{
				"user":   map[string]interface{}{"profile": map[string]interface{}{"name": "ada"}},
				"active": true,
			})
		assert.Equal(t, `<a class="on">ADA</a>`, out)
	})

	t.Run("numeric index", func(t *testing.T) {
		out := render(t, `{{ items.1 }}`, map[string]interface{}{"items": []interface{}{"a", "b"}})
		assert.Equal(t, "b", out)
	})

	t.Run("unknown filter fails", func(t *testing.T) {
		_, err := r.Render(MustParse(`{{ x|nope }}`), map[string]interface{}{"x": 1})
		var re *RenderError
		require.ErrorAs(t, err, &re)
		assert.Equal(t, 1, re.Line)
	})

	t.Run("missing values render empty", func(t *testing.T) {
		assert.Equal(t, "[]", render(t, `[{{ a.b.c }}]`, map[string]interface{}{}))
	})

	t.Run("firstof", func(t *testing.T) {
		assert.Equal(t, "b", render(t, `{% firstof a b "c" %}`, map[string]interface{}{"b": "b"}))
	})

	t.Run("entity markers print their display string", func(t *testing.T) {
		out := render(t, `{{ lease.property }}`, map[string]interface{}{
			"lease": map[string]interface{}{"property": map[string]interface{}{"id": int64(1), "__str__": "Elm & Co"}},
		})
		assert.Equal(t, "Elm &amp; Co", out)
	})
}

func TestFilters(t *testing.T) {
	r := NewRenderer()
	ts := time.Date(2024, time.March, 5, 14, 7, 0, 0, time.UTC)
	data := map[string]interface{}{
		"ts":    ts,
		"iso":   "2024-03-05T14:07:00Z",
		"html":  "<p>Hello <b>world</b></p>",
		"words": "the quick brown fox",
		"n":     1,
		"list":  []interface{}{"a", "b", "c"},
		"price": 3.14159,
		"name":  "ada lovelace",
	}

	tests := map[string]string{
		`{{ ts|date:"Y-m-d H:i" }}`:    "2024-03-05 14:07",
		`{{ iso|date:"D, j M Y" }}`:    "Tue, 5 Mar 2024",
		`{{ ts|date }}`:                "March 5, 2024",
		`{{ ts|time }}`:                "2:07 p.m.",
		`{{ html|striptags }}`:         "Hello world",
		`{{ words|truncatewords:2 }}`:  "the quick …",
		`{{ words|truncatechars:5 }}`:  "the …",
		`{{ list|join:", " }}`:         "a, b, c",
		`{{ list|length }}`:            "3",
		`{{ list|last }}`:              "c",
		`{{ n|pluralize }}`:            "",
		`{{ list|pluralize:"y,ies" }}`: "ies",
		`{{ price|floatformat:2 }}`:    "3.14",
		`{{ 4.0|floatformat }}`:        "4",
		`{{ n|add:2 }}`:                "3",
		`{{ name|title }}`:             "Ada Lovelace",
		`{{ name|capfirst }}`:          "Ada lovelace",
		`{{ missing|default:"-" }}`:    "-",
		`{{ missing|yesno:"on,off" }}`: "off",
		`{{ n|yesno }}`:                "yes",
		`{{ "a b"|urlencode }}`:        "a+b",
		`{{ "x-y-z"|cut:"-" }}`:        "xyz",
	}
	for src, want := range tests {
		t.Run(src, func(t *testing.T) {
			out, err := r.Render(MustParse(src), data)
			require.NoError(t, err)
			assert.Equal(t, want, out)
		})
	}
}

func TestValidateAttributes(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		wantTag string
	}{
		{"block between elements", `<nav>{% if active %}<span>active</span>{% endif %}</nav>`, ""},
		{"inline conditional in attribute", `<a class="{{ 'active' if is_active else '' }}">link</a>`, ""},
		{"if in attribute", `<a class="base {% if on %}on{% endif %}">x</a>`, "if"},
		{"for in single quoted attribute", "<div\n data-x='{% for x in xs %}{{ x }}{% endfor %}'></div>", "for"},
		{"non block tag in attribute", `<img src="{% static 'a.png' %}">`, ""},
		{"quote outside assignment", `<p>"{% if x %}"{% endif %}</p>`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAttributes(tt.src)
			if tt.wantTag == "" {
				assert.NoError(t, err)
				return
			}
			var ae *AttrTagError
			require.ErrorAs(t, err, &ae)
			assert.Equal(t, tt.wantTag, ae.Tag)
		})
	}
}
