package codegen

import (
	"bytes"
	"fmt"
	"strings"

	"mvdan.cc/gofumpt/format"

	"github.com/conneroisu/liveweave/internal/schema"
)

// generate renders the Go equivalent of the compiled tree. The output is
// for inspection; Serialize walks the tree directly.
func generate(fnName string, typ *schema.EntityType, root *Node) (string, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "// Code generated by liveweave for %s. DO NOT EDIT.\n\n", typ.Name)
	buf.WriteString("package serializers\n\n")
	buf.WriteString("import \"github.com/conneroisu/liveweave/internal/schema\"\n\n")
	fmt.Fprintf(&buf, "// %s reads:\n//\n", fnName)
	for _, p := range leafPaths(root.Children, "") {
		fmt.Fprintf(&buf, "//\t%s\n", p)
	}
	fmt.Fprintf(&buf, "func %s(obj schema.Entity, fields Fields) (map[string]any, error) {\n", fnName)
	fmt.Fprintf(&buf, "\tout := make(map[string]any, %d)\n", len(root.Children))
	seq := 0
	emitFields(&buf, "\t", "out", "obj", typ.Name, root.Children, &seq)
	buf.WriteString("\treturn out, nil\n}\n")

	formatted, err := format.Source(buf.Bytes(), format.Options{})
	if err != nil {
		return "", err
	}
	return string(formatted), nil
}

func leafPaths(nodes []*Node, prefix string) []string {
	var out []string
	for _, n := range nodes {
		p := n.Name
		if prefix != "" {
			p = prefix + "." + n.Name
		}
		if len(n.Children) == 0 {
			out = append(out, p)
			continue
		}
		out = append(out, leafPaths(n.Children, p)...)
	}
	return out
}

func next(seq *int, prefix string) string {
	*seq++
	return fmt.Sprintf("%s%d", prefix, *seq)
}

func emitReturnOnErr(buf *bytes.Buffer, indent string) {
	fmt.Fprintf(buf, "%sif err != nil {\n%s\treturn nil, err\n%s}\n", indent, indent, indent)
}

func emitFields(buf *bytes.Buffer, indent, dst, src, typeName string, nodes []*Node, seq *int) {
	for _, n := range nodes {
		switch n.Kind {
		case schema.KindScalar, schema.KindMethod:
			v := next(seq, "v")
			call := "Get"
			if n.Kind == schema.KindMethod {
				call = "Call"
			}
			fmt.Fprintf(buf, "%s%s, err := fields.%s(%s, %q, %q)\n", indent, v, call, src, typeName, n.Name)
			emitReturnOnErr(buf, indent)
			fmt.Fprintf(buf, "%s%s[%q] = fields.Scalar(%s)\n", indent, dst, n.Name, v)

		case schema.KindToOne:
			r := next(seq, "r")
			fmt.Fprintf(buf, "%s%s, err := fields.One(%s, %q, %q)\n", indent, r, src, typeName, n.Name)
			emitReturnOnErr(buf, indent)
			fmt.Fprintf(buf, "%sif %s == nil {\n", indent, r)
			fmt.Fprintf(buf, "%s\t%s[%q] = nil\n", indent, dst, n.Name)
			fmt.Fprintf(buf, "%s} else {\n", indent)
			if len(n.Children) == 0 {
				fmt.Fprintf(buf, "%s\t%s[%q] = fields.Display(%s)\n", indent, dst, n.Name, r)
			} else {
				m := next(seq, "m")
				fmt.Fprintf(buf, "%s\t%s := make(map[string]any, %d)\n", indent, m, len(n.Children))
				emitFields(buf, indent+"\t", m, r, n.Target, n.Children, seq)
				fmt.Fprintf(buf, "%s\t%s[%q] = %s\n", indent, dst, n.Name, m)
			}
			fmt.Fprintf(buf, "%s}\n", indent)

		case schema.KindToMany:
			l := next(seq, "l")
			s := next(seq, "s")
			e := next(seq, "e")
			fmt.Fprintf(buf, "%s%s, err := fields.Many(%s, %q, %q)\n", indent, l, src, typeName, n.Name)
			emitReturnOnErr(buf, indent)
			if pseudo := pseudoNames(n); len(pseudo) > 0 {
				fmt.Fprintf(buf, "%s// %s.%s\n", indent, n.Name, strings.Join(pseudo, ", "+n.Name+"."))
			}
			fmt.Fprintf(buf, "%s%s := make([]any, 0, len(%s))\n", indent, s, l)
			fmt.Fprintf(buf, "%sfor _, %s := range %s {\n", indent, e, l)
			if len(n.elems) == 0 {
				fmt.Fprintf(buf, "%s\t%s = append(%s, fields.Marker(%s))\n", indent, s, s, e)
			} else {
				m := next(seq, "m")
				fmt.Fprintf(buf, "%s\t%s := make(map[string]any, %d)\n", indent, m, len(n.elems))
				emitFields(buf, indent+"\t", m, e, n.Target, n.elems, seq)
				fmt.Fprintf(buf, "%s\t%s = append(%s, %s)\n", indent, s, s, m)
			}
			fmt.Fprintf(buf, "%s}\n", indent)
			fmt.Fprintf(buf, "%s%s[%q] = %s\n", indent, dst, n.Name, s)
		}
	}
}

func pseudoNames(n *Node) []string {
	var out []string
	for _, c := range n.Children {
		if c.Pseudo {
			out = append(out, c.Name)
		}
	}
	return out
}
