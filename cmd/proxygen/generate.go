package main

import (
	"fmt"
	"go/ast"
	"go/types"
	"strconv"

	j "github.com/dave/jennifer/jen"

	"topic-rpc/server"
)

type nameSelector struct {
	names map[string]bool
}

func newNameSelector() nameSelector {
	return nameSelector{names: make(map[string]bool)}
}

func (ns *nameSelector) Add(name string) {
	ns.names[name] = true
}

func (ns *nameSelector) New(base string) string {
	i := 1
	name := base
	for ns.names[name] {
		i++
		name = base + strconv.Itoa(i)
	}
	ns.Add(name)
	return name
}

// typeCode renders a parameter type, qualifying package selectors through imports.
func typeCode(expr ast.Expr, imports map[string]string) (j.Code, error) {
	switch t := expr.(type) {
	case *ast.Ident:
		return j.Id(t.Name), nil
	case *ast.SelectorExpr:
		x, ok := t.X.(*ast.Ident)
		if !ok {
			break
		}
		p, ok := imports[x.Name]
		if !ok {
			return nil, fmt.Errorf("unknown package %s", x.Name)
		}
		return j.Qual(p, t.Sel.Name), nil
	case *ast.StarExpr:
		elem, err := typeCode(t.X, imports)
		if err != nil {
			return nil, err
		}
		return j.Op("*").Add(elem), nil
	case *ast.ArrayType:
		elem, err := typeCode(t.Elt, imports)
		if err != nil {
			return nil, err
		}
		if t.Len == nil {
			return j.Index().Add(elem), nil
		}
		return j.Index(j.Id(types.ExprString(t.Len))).Add(elem), nil
	case *ast.MapType:
		key, err := typeCode(t.Key, imports)
		if err != nil {
			return nil, err
		}
		value, err := typeCode(t.Value, imports)
		if err != nil {
			return nil, err
		}
		return j.Map(key).Add(value), nil
	case *ast.InterfaceType:
		if t.Methods == nil || len(t.Methods.List) == 0 {
			return j.Interface(), nil
		}
	}
	return nil, fmt.Errorf("unsupported type %s", types.ExprString(expr))
}

func clientName(api API) string {
	return api.Name + "Client"
}

func generateClientType(api API) []j.Code {
	name := clientName(api)
	return []j.Code{
		j.Commentf("%s calls the %s topic at API version %s.", name, api.Topic, api.Version),
		j.Type().Id(name).Struct(
			j.Id("proxy").Op("*").Qual(rpcPkg, "Proxy"),
			j.Id("opts").Index().Qual(rpcPkg, "CallOption"),
		),
		j.Var().Id("_").Id(api.Name).Op("=").Parens(j.Op("*").Id(name)).Parens(j.Nil()),
		j.Func().Id("New"+name).Params(
			j.Id("t").Qual(rpcPkg, "Transport"),
			j.Id("opts").Op("...").Qual(rpcPkg, "ProxyOption"),
		).Op("*").Id(name).Block(
			j.Return(j.Op("&").Id(name).Values(j.Dict{
				j.Id("proxy"): j.Qual(rpcPkg, "NewProxy").Call(j.Id("t"), j.Lit(api.Topic), j.Lit(api.Version), j.Id("opts").Op("...")),
			})),
		),
		j.Comment("With returns a copy of c that applies opts to every dispatch."),
		j.Func().Params(j.Id("c").Op("*").Id(name)).Id("With").Params(
			j.Id("opts").Op("...").Qual(rpcPkg, "CallOption"),
		).Op("*").Id(name).Block(
			j.Return(j.Op("&").Id(name).Values(j.Dict{
				j.Id("proxy"): j.Id("c").Dot("proxy"),
				j.Id("opts"):  j.Append(j.Qual("slices", "Clone").Call(j.Id("c").Dot("opts")), j.Id("opts").Op("...")),
			})),
		),
		j.Func().Params(j.Id("c").Op("*").Id(name)).Id("Proxy").Params().Op("*").Qual(rpcPkg, "Proxy").Block(
			j.Return(j.Id("c").Dot("proxy")),
		),
	}
}

func resultTypes(kind Kind) []j.Code {
	switch kind {
	case KindCall:
		return []j.Code{j.Any(), j.Error()}
	case KindMultiCall:
		return []j.Code{j.Qual("iter", "Seq2").Types(j.Any(), j.Error()), j.Error()}
	}
	return []j.Code{j.Error()}
}

// proxyCall is the Proxy method a dispatch kind maps to.
func proxyCall(m Method) string {
	switch m.Kind {
	case KindMultiCall:
		return "MultiCall"
	case KindCast:
		if m.Server != "" {
			return "CastToServer"
		}
		return "Cast"
	case KindFanout:
		if m.Server != "" {
			return "FanoutCastToServer"
		}
		return "FanoutCast"
	}
	return "Call"
}

func generateMethod(api API, m Method, imports map[string]string) ([]j.Code, error) {
	ns := newNameSelector()
	ns.Add(m.Ctx)
	params := []j.Code{j.Id(m.Ctx).Qual("context", "Context")}
	args := j.Dict{}
	for _, p := range m.Params {
		ns.Add(p.Name)
		if p.Server {
			params = append(params, j.Id(p.Name).Qual(rpcPkg, "ServerParams"))
			continue
		}
		typ, err := typeCode(p.Type, imports)
		if err != nil {
			return nil, err
		}
		params = append(params, j.Id(p.Name).Add(typ))
		args[j.Lit(server.MethodName(p.Name))] = j.Id(p.Name)
	}
	recv := ns.New("c")
	msg := ns.New("msg")
	errName := ns.New("err")

	var zero []j.Code
	if m.Kind == KindCall || m.Kind == KindMultiCall {
		zero = append(zero, j.Nil())
	}
	zero = append(zero, j.Id(errName))

	dispatch := []j.Code{j.Id(m.Ctx)}
	if m.Server != "" {
		dispatch = append(dispatch, j.Id(m.Server))
	}
	dispatch = append(dispatch, j.Id(msg), j.Id(recv).Dot("opts").Op("..."))

	var code []j.Code
	for _, line := range m.Doc {
		code = append(code, j.Comment(line))
	}
	code = append(code, j.Func().Params(j.Id(recv).Op("*").Id(clientName(api))).Id(m.Name).Params(params...).Params(resultTypes(m.Kind)...).Block(
		j.List(j.Id(msg), j.Id(errName)).Op(":=").Qual(messagePkg, "MakeMsg").Call(
			j.Lit(server.MethodName(m.Name)),
			j.Qual(messagePkg, "Args").Values(args),
		),
		j.If(j.Id(errName).Op("!=").Nil()).Block(j.Return(zero...)),
		j.Return(j.Id(recv).Dot("proxy").Dot(proxyCall(m)).Call(dispatch...)),
	))
	return code, nil
}

func generateFile(file File) (*j.File, error) {
	f := j.NewFile(file.Package)
	f.HeaderComment("Code generated by proxygen. DO NOT EDIT.")
	for _, api := range file.APIs {
		for _, code := range generateClientType(api) {
			f.Add(code)
		}
		for _, m := range api.Methods {
			code, err := generateMethod(api, m, file.Imports)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", api.Name, m.Name, err)
			}
			for _, c := range code {
				f.Add(c)
			}
		}
	}
	return f, nil
}
