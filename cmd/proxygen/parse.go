package main

import (
	"fmt"
	"go/ast"
	"go/token"
	"go/types"
	"path"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var toLower = cases.Lower(language.Und)

func commentLines(group *ast.CommentGroup) []string {
	if group == nil {
		return nil
	}
	var lines []string
	for _, c := range group.List {
		lines = append(lines, c.Text)
	}
	return lines
}

// directive returns the rest of the first line starting with prefix.
func directive(prefix string, lines []string) (string, bool) {
	for _, line := range lines {
		if rest, ok := strings.CutPrefix(line, prefix); ok && (rest == "" || rest[0] == ' ') {
			return strings.TrimSpace(rest), true
		}
	}
	return "", false
}

// docText strips comment markers and drops directives.
func docText(lines []string) []string {
	var out []string
	for _, line := range lines {
		if strings.HasPrefix(line, "//rpc:") {
			continue
		}
		line = strings.TrimPrefix(line, "//")
		out = append(out, strings.TrimPrefix(line, " "))
	}
	return out
}

func parseImports(f *ast.File) map[string]string {
	imports := make(map[string]string)
	for _, imp := range f.Imports {
		p, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			continue
		}
		name := path.Base(p)
		if imp.Name != nil {
			name = imp.Name.Name
		}
		imports[name] = p
	}
	return imports
}

func parseFile(f *ast.File) (File, error) {
	file := File{
		Package: f.Name.Name,
		Imports: parseImports(f),
	}
	for _, decl := range f.Decls {
		gd, ok := decl.(*ast.GenDecl)
		if !ok || gd.Tok != token.TYPE {
			continue
		}
		for _, spec := range gd.Specs {
			ts := spec.(*ast.TypeSpec)
			doc := commentLines(ts.Doc)
			if doc == nil && len(gd.Specs) == 1 {
				doc = commentLines(gd.Doc)
			}
			args, ok := directive("//rpc:api", doc)
			if !ok {
				continue
			}
			iface, ok := ts.Type.(*ast.InterfaceType)
			if !ok {
				return File{}, fmt.Errorf("%s: //rpc:api applies to interfaces only", ts.Name.Name)
			}
			api, err := parseAPI(ts.Name.Name, args, doc, iface, file.Imports)
			if err != nil {
				return File{}, err
			}
			file.APIs = append(file.APIs, api)
		}
	}
	return file, nil
}

func parseAPI(name, args string, doc []string, iface *ast.InterfaceType, imports map[string]string) (API, error) {
	api := API{
		Name:    name,
		Topic:   toLower.String(name),
		Version: "1.0",
		Doc:     docText(doc),
	}
	for _, field := range strings.Fields(args) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			return API{}, fmt.Errorf("%s: bad //rpc:api option %q, want key=value", name, field)
		}
		switch key {
		case "topic":
			api.Topic = value
		case "version":
			api.Version = value
		default:
			return API{}, fmt.Errorf("%s: unknown //rpc:api option %q", name, key)
		}
	}

	for _, field := range iface.Methods.List {
		if len(field.Names) == 0 {
			return API{}, fmt.Errorf("%s: embedded interfaces are not supported", name)
		}
		if _, ok := directive("//rpc:ignore", commentLines(field.Doc)); ok {
			continue
		}
		m, err := parseMethod(field, imports)
		if err != nil {
			return API{}, fmt.Errorf("%s.%s: %w", name, field.Names[0].Name, err)
		}
		api.Methods = append(api.Methods, m)
	}
	return api, nil
}

func parseMethod(field *ast.Field, imports map[string]string) (Method, error) {
	doc := commentLines(field.Doc)
	m := Method{
		Name: field.Names[0].Name,
		Doc:  docText(doc),
		Kind: KindCall,
	}
	if m.Name == "With" || m.Name == "Proxy" {
		return Method{}, fmt.Errorf("method name is reserved by the generated client")
	}
	for d, kind := range kindDirectives {
		if _, ok := directive(d, doc); ok {
			m.Kind = kind
		}
	}

	ft := field.Type.(*ast.FuncType)
	var params []Param
	for _, p := range ft.Params.List {
		if len(p.Names) == 0 {
			return Method{}, fmt.Errorf("parameters must be named")
		}
		for _, n := range p.Names {
			params = append(params, Param{Name: n.Name, Type: p.Type})
		}
	}
	if len(params) == 0 || !isQual(params[0].Type, imports, "context", "Context") {
		return Method{}, fmt.Errorf("first parameter must be a context.Context")
	}
	m.Ctx = params[0].Name

	for _, p := range params[1:] {
		if isQual(p.Type, imports, rpcPkg, "ServerParams") {
			if m.Kind != KindCast && m.Kind != KindFanout {
				return Method{}, fmt.Errorf("rpc.ServerParams is only valid on casts and fanouts")
			}
			if m.Server != "" {
				return Method{}, fmt.Errorf("more than one rpc.ServerParams parameter")
			}
			m.Server = p.Name
			p.Server = true
		} else if _, err := typeCode(p.Type, imports); err != nil {
			return Method{}, fmt.Errorf("parameter %s: %w", p.Name, err)
		}
		m.Params = append(m.Params, p)
	}

	if err := checkResults(m.Kind, ft.Results, imports); err != nil {
		return Method{}, err
	}
	return m, nil
}

func isQual(expr ast.Expr, imports map[string]string, pkg, name string) bool {
	sel, ok := expr.(*ast.SelectorExpr)
	if !ok || sel.Sel.Name != name {
		return false
	}
	x, ok := sel.X.(*ast.Ident)
	return ok && imports[x.Name] == pkg
}

var wantResults = map[Kind][]string{
	KindCall:      {"any, error", "interface{}, error"},
	KindMultiCall: {"iter.Seq2[any, error], error", "iter.Seq2[interface{}, error], error"},
	KindCast:      {"error"},
	KindFanout:    {"error"},
}

// checkResults requires the declared results to be the ones the dispatch kind returns, so
// the generated client implements the interface.
func checkResults(kind Kind, results *ast.FieldList, imports map[string]string) error {
	var got []string
	if results != nil {
		for _, r := range results.List {
			n := max(len(r.Names), 1)
			for range n {
				got = append(got, types.ExprString(r.Type))
			}
		}
	}
	sig := strings.Join(got, ", ")
	if kind == KindMultiCall && imports["iter"] != "iter" {
		return fmt.Errorf("multicall methods must return iter.Seq2[any, error], error")
	}
	for _, want := range wantResults[kind] {
		if sig == want {
			return nil
		}
	}
	return fmt.Errorf("results (%s) do not match the dispatch kind, want (%s)", sig, wantResults[kind][0])
}
