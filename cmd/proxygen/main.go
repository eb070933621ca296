// Command proxygen writes typed clients for interfaces annotated with //rpc:api.
//
//	//rpc:api topic=compute version=1.2
//	type Compute interface {
//		Add(ctx context.Context, a, b int) (any, error)
//		//rpc:cast
//		RebootInstance(ctx context.Context, instanceID string) error
//	}
//
// For each input file x.go the clients are written to x.g.go in the same package.
// Methods are dispatched with Call unless marked //rpc:multicall, //rpc:cast or
// //rpc:fanout; //rpc:ignore skips a method. Arguments are sent under the snake_case
// of their parameter names.
package main

import (
	"fmt"
	"go/parser"
	"go/token"
	"io"
	"os"
	"path"
	"strings"
)

func outputName(name string) string {
	ext := path.Ext(name)
	return strings.TrimSuffix(name, ext) + ".g" + ext
}

// generate parses src and renders the clients it declares to w. It reports false when the
// file declares no API.
func generate(set *token.FileSet, name string, src any, w io.Writer) (bool, error) {
	f, err := parser.ParseFile(set, name, src, parser.ParseComments)
	if err != nil {
		return false, err
	}
	file, err := parseFile(f)
	if err != nil {
		return false, err
	}
	if len(file.APIs) == 0 {
		return false, nil
	}
	g, err := generateFile(file)
	if err != nil {
		return false, err
	}
	return true, g.Render(w)
}

func run(names []string) error {
	set := token.NewFileSet()
	for _, name := range names {
		var buf strings.Builder
		ok, err := generate(set, name, nil, &buf)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if !ok {
			continue
		}
		if err := os.WriteFile(outputName(name), []byte(buf.String()), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: proxygen file.go...")
		os.Exit(2)
	}
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
