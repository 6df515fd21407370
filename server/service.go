package server

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
)

type methodType struct {
	method  reflect.Method
	ArgType reflect.Type
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

// newService scans rcvr for methods of the form
//
//	func (r *T) Method(ctx context.Context, args *Args) (Reply, error)
//
// Methods with any other shape are ignored.
func newService(rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("server: rcvr must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("server: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	svc := &service{
		name:   typ.Elem().Name(),
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	svc.registerMethods()
	if len(svc.method) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoMethods, svc.name)
	}
	return svc, nil
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

func (s *service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		mt := method.Type
		if mt.NumIn() != 3 || mt.NumOut() != 2 ||
			mt.In(1) != contextType ||
			mt.In(2).Kind() != reflect.Ptr ||
			mt.Out(1) != errorType {
			continue
		}
		s.method[method.Name] = &methodType{
			method:  method,
			ArgType: mt.In(2).Elem(),
		}
	}
}

// handlers exposes every method as "Service.Method".
func (s *service) handlers() map[string]HandlerFunc {
	out := make(map[string]HandlerFunc, len(s.method))
	for name, mt := range s.method {
		out[s.name+"."+name] = s.handler(mt)
	}
	return out
}

func (s *service) handler(mt *methodType) HandlerFunc {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		argv := reflect.New(mt.ArgType)
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, argv.Interface()); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrBadArgs, err)
			}
		}
		results := mt.method.Func.Call([]reflect.Value{s.rcvr, reflect.ValueOf(ctx), argv})
		if errv := results[1]; !errv.IsNil() {
			return nil, errv.Interface().(error)
		}
		return results[0].Interface(), nil
	}
}
