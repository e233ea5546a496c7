package build

import (
	"fmt"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
)

// Template is an HCL template expression evaluated once per target, e.g.
// "dist/${project}-${os}-${arch}".
type Template struct {
	expr hcl.Expression
	src  string
}

// NewTemplate wraps an already parsed expression, e.g. an attribute decoded
// from an HCL file.
func NewTemplate(expr hcl.Expression) Template {
	return Template{expr: expr}
}

// ParseTemplate parses src as an HCL template.
func ParseTemplate(src string) (Template, error) {
	expr, diags := hclsyntax.ParseTemplate([]byte(src), "template", hcl.InitialPos)
	if diags.HasErrors() {
		return Template{}, fmt.Errorf("parse template %q: %w", src, diags)
	}
	return Template{expr: expr, src: src}, nil
}

// MustParseTemplate is ParseTemplate for literals known to be valid.
func MustParseTemplate(src string) Template {
	t, err := ParseTemplate(src)
	if err != nil {
		panic(err)
	}
	return t
}

// IsZero reports whether the template is unset.
func (t Template) IsZero() bool {
	return t.expr == nil
}

// Eval renders the template against vars.
func (t Template) Eval(vars Vars) (string, error) {
	if t.expr == nil {
		return "", nil
	}
	v, diags := t.expr.Value(vars.evalContext())
	if diags.HasErrors() {
		return "", fmt.Errorf("evaluate template: %w", diags)
	}
	if v.IsNull() {
		return "", nil
	}
	s, err := convert.Convert(v, cty.String)
	if err != nil {
		return "", fmt.Errorf("evaluate template: result is %s, not a string", v.Type().FriendlyName())
	}
	return s.AsString(), nil
}

// Vars are the values a template can reference.
type Vars struct {
	Project string
	Version string
	Target  string
	Output  string
}

// OSArch splits a target such as "linux/amd64" into its parts. Targets
// without a slash yield the whole target as os and an empty arch.
func OSArch(target string) (string, string) {
	goos, goarch, _ := strings.Cut(target, "/")
	return goos, goarch
}

var functions = map[string]function.Function{
	"format":     stdlib.FormatFunc,
	"lower":      stdlib.LowerFunc,
	"replace":    stdlib.ReplaceFunc,
	"trimprefix": stdlib.TrimPrefixFunc,
	"upper":      stdlib.UpperFunc,
}

func (v Vars) evalContext() *hcl.EvalContext {
	goos, goarch := OSArch(v.Target)
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"project": cty.StringVal(v.Project),
			"version": cty.StringVal(v.Version),
			"target":  cty.StringVal(v.Target),
			"os":      cty.StringVal(goos),
			"arch":    cty.StringVal(goarch),
			"output":  cty.StringVal(v.Output),
		},
		Functions: functions,
	}
}
