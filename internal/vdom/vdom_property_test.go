//go:build property
// +build property

package vdom

import (
	"fmt"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var itemTags = []string{"p", "span", "em", "section"}

// item renders one child from a seed. Some children are keyed.
func item(seed int) string {
	tag := itemTags[seed%len(itemTags)]
	word := seed / len(itemTags) % 5
	if seed%3 == 0 {
		return fmt.Sprintf(`<%s key="k%d">w%d</%s>`, tag, seed%7, word, tag)
	}
	return fmt.Sprintf(`<%s class="c%d">w%d</%s>`, tag, seed%2, word, tag)
}

func genList() gopter.Gen {
	return gen.SliceOf(gen.IntRange(0, 200)).Map(func(seeds []int) string {
		var b strings.Builder
		b.WriteString(`<div id="list">`)
		for _, s := range seeds {
			b.WriteString(item(s))
		}
		b.WriteString("</div>")
		return b.String()
	})
}

func TestDiffProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("identical renders give no patches", prop.ForAll(
		func(src string) bool {
			a, err := Build(src)
			if err != nil {
				return false
			}
			b, err := Rebuild(a, src)
			if err != nil {
				return false
			}
			return len(Diff(a, b)) == 0
		},
		genList(),
	))

	properties.Property("appending gives one insert", prop.ForAll(
		func(src string, seed int) bool {
			a, err := Build(src)
			if err != nil {
				return false
			}
			next := strings.TrimSuffix(src, "</div>") + item(seed*3+1) + "</div>"
			b, err := Rebuild(a, next)
			if err != nil {
				return false
			}
			patches := Diff(a, b)
			return len(patches) == 1 &&
				patches[0].Op == OpInsertChild &&
				patches[0].Index == len(a.Children[0].Children)
		},
		genList(),
		gen.IntRange(0, 200),
	))

	properties.Property("applying the diff reproduces the new tree", prop.ForAll(
		func(before, after string) bool {
			a, err := Build(before)
			if err != nil {
				return false
			}
			b, err := Rebuild(a, after)
			if err != nil {
				return false
			}
			got, err := Apply(a, Diff(a, b))
			if err != nil {
				return false
			}
			return shape(got) == shape(b)
		},
		genList(),
		genList(),
	))

	properties.TestingRun(t)
}
