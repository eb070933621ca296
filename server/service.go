package server

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"topic-rpc/message"
)

// Handler serves one method of an endpoint.
type Handler func(ctx context.Context, args message.Args) (any, error)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	argsType    = reflect.TypeOf(message.Args(nil))
)

// serviceHandlers scans rcvr's exported methods for the shape
//
//	func (r *T) Name(ctx context.Context, args A) (R, error)
//
// where A is message.Args or a pointer to a struct decoded from the args by JSON.
// Each match is exposed under MethodName(Name).
func serviceHandlers(rcvr any) (map[string]Handler, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("server: receiver must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("server: receiver must point to a struct, got %s", typ.Elem().Kind())
	}
	val := reflect.ValueOf(rcvr)

	handlers := make(map[string]Handler)
	for i := 0; i < typ.NumMethod(); i++ {
		method := typ.Method(i)
		mt := method.Type
		if mt.NumIn() != 3 || mt.NumOut() != 2 || mt.In(1) != contextType || mt.Out(1) != errorType {
			continue
		}
		argType := mt.In(2)
		if argType != argsType && (argType.Kind() != reflect.Ptr || argType.Elem().Kind() != reflect.Struct) {
			continue
		}
		handlers[MethodName(method.Name)] = reflectHandler(val, method.Func, argType)
	}
	if len(handlers) == 0 {
		return nil, fmt.Errorf("server: %s has no exported methods of the form func(context.Context, A) (R, error)", typ.Elem().Name())
	}
	return handlers, nil
}

func reflectHandler(rcvr, fn reflect.Value, argType reflect.Type) Handler {
	return func(ctx context.Context, args message.Args) (any, error) {
		var argv reflect.Value
		if argType == argsType {
			argv = reflect.ValueOf(args)
		} else {
			argv = reflect.New(argType.Elem())
			data, err := json.Marshal(args)
			if err != nil {
				return nil, err
			}
			if err := json.Unmarshal(data, argv.Interface()); err != nil {
				return nil, fmt.Errorf("server: decode args: %w", err)
			}
		}

		results := fn.Call([]reflect.Value{rcvr, reflect.ValueOf(ctx), argv})
		if errv := results[1]; !errv.IsNil() {
			return nil, errv.Interface().(error)
		}
		return results[0].Interface(), nil
	}
}
