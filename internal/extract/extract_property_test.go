//go:build property
// +build property

package extract

import (
	"reflect"
	"sort"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var (
	varNames  = []string{"lease", "post", "user", "items", "row"}
	attrNames = []string{"name", "title", "tenant", "user", "email", "count", "all"}
)

// ref builds a dotted reference from a seed, such as "lease.tenant.email".
func ref(seed int) string {
	parts := []string{varNames[seed%len(varNames)]}
	seed /= len(varNames)
	for depth := seed % 4; depth > 0; depth-- {
		seed /= 4
		parts = append(parts, attrNames[seed%len(attrNames)])
	}
	return strings.Join(parts, ".")
}

func genRef() gopter.Gen {
	return gen.IntRange(0, 1<<20).Map(ref)
}

// genTemplate generates a valid template of interpolations, ifs and loops.
func genTemplate() gopter.Gen {
	return gen.SliceOfN(8, gen.IntRange(0, 1<<20)).Map(func(seeds []int) string {
		var b strings.Builder
		for _, seed := range seeds {
			a, c := ref(seed), ref(seed/7+1)
			switch seed % 3 {
			case 0:
				b.WriteString("<p>{{ " + a + "|default:'-' }}</p>")
			case 1:
				b.WriteString("{% if " + a + " %}{{ " + c + " }}{% endif %}")
			default:
				b.WriteString("{% for it in " + a + " %}{{ it.name }}{{ " + c + " }}{% endfor %}")
			}
		}
		return b.String()
	})
}

func TestExtractionProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("extraction is deterministic", prop.ForAll(
		func(src string) bool {
			return reflect.DeepEqual(ExtractPaths(src), ExtractPaths(src))
		},
		genTemplate(),
	))

	properties.Property("paths are sorted, unique and non-empty", prop.ForAll(
		func(src string) bool {
			pm := ExtractPaths(src)
			for _, paths := range pm.Vars {
				if paths == nil || !sort.StringsAreSorted(paths) {
					return false
				}
				for i, p := range paths {
					if i > 0 && paths[i-1] == p {
						return false
					}
					if p == "" {
						return false
					}
				}
			}
			return true
		},
		genTemplate(),
	))

	properties.Property("every referenced root variable is present", prop.ForAll(
		func(r string) bool {
			pm := ExtractPaths("{{ " + r + " }}")
			root, rest, _ := strings.Cut(r, ".")
			paths, ok := pm.Vars[root]
			if !ok {
				return false
			}
			if rest == "" {
				return len(paths) == 0
			}
			return len(paths) == 1 && paths[0] == rest
		},
		genRef(),
	))

	properties.TestingRun(t)
}
