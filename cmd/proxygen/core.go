package main

import "go/ast"

const (
	rpcPkg     = "topic-rpc/rpc"
	messagePkg = "topic-rpc/message"
)

// Kind is how a method is dispatched.
type Kind int

const (
	KindCall Kind = iota
	KindMultiCall
	KindCast
	KindFanout
)

var kindDirectives = map[string]Kind{
	"//rpc:call":      KindCall,
	"//rpc:multicall": KindMultiCall,
	"//rpc:cast":      KindCast,
	"//rpc:fanout":    KindFanout,
}

type File struct {
	Package string
	// Imports maps the name a file refers to an import by to its path.
	Imports map[string]string
	APIs    []API
}

// API is an interface annotated with //rpc:api.
type API struct {
	Name    string
	Topic   string
	Version string
	Doc     []string
	Methods []Method
}

type Method struct {
	Name string
	Doc  []string
	Kind Kind
	// Ctx is the name of the leading context.Context parameter.
	Ctx string
	// Server is the name of the rpc.ServerParams parameter, if any.
	Server string
	// Params follow Ctx in declaration order.
	Params []Param
}

type Param struct {
	Name   string
	Type   ast.Expr
	Server bool
}
