package jsonrpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

var (
	ErrNotFunction         = errors.New("not a function")
	ErrMustReturnError     = errors.New("function must return error as a last return value")
	ErrMustHaveContext     = errors.New("function must have context.Context as a first argument")
	ErrTooManyReturnValues = errors.New("too many return values")

	// ErrInvalidParams is wrapped by every error caused by the request params rather than the method.
	ErrInvalidParams    = errors.New("invalid params")
	ErrTooMuchArguments = fmt.Errorf("%w: too much arguments", ErrInvalidParams)
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

type methodHandler struct {
	fn        reflect.Value
	args      []reflect.Type
	hasResult bool
}

func getMethodTypes(fn any) (methodHandler, error) {
	fnType := reflect.TypeOf(fn)
	if fnType == nil || fnType.Kind() != reflect.Func {
		return methodHandler{}, ErrNotFunction
	}
	if fnType.NumIn() == 0 || fnType.In(0) != contextType {
		return methodHandler{}, ErrMustHaveContext
	}

	numOut := fnType.NumOut()
	if numOut == 0 || !fnType.Out(numOut-1).Implements(errorType) {
		return methodHandler{}, ErrMustReturnError
	}
	if numOut > 2 {
		return methodHandler{}, ErrTooManyReturnValues
	}

	args := make([]reflect.Type, 0, fnType.NumIn()-1)
	for i := 1; i < fnType.NumIn(); i++ {
		args = append(args, fnType.In(i))
	}
	return methodHandler{
		fn:        reflect.ValueOf(fn),
		args:      args,
		hasResult: numOut == 2,
	}, nil
}

func (h methodHandler) call(ctx context.Context, params []json.RawMessage) (any, error) {
	args, err := decodeArgs(h.args, params)
	if err != nil {
		return nil, err
	}

	results := h.fn.Call(append([]reflect.Value{reflect.ValueOf(ctx)}, args...))

	var outError error
	if errVal := results[len(results)-1]; !errVal.IsNil() {
		outError, _ = errVal.Interface().(error)
	}
	if !h.hasResult {
		return nil, outError
	}
	return results[0].Interface(), outError
}

// decodeArgs unmarshals positional params. Missing trailing params get zero values.
func decodeArgs(types []reflect.Type, params []json.RawMessage) ([]reflect.Value, error) {
	if len(params) > len(types) {
		return nil, ErrTooMuchArguments
	}

	args := make([]reflect.Value, len(types))
	for i, argType := range types {
		arg := reflect.New(argType)
		if i < len(params) {
			if err := json.Unmarshal(params[i], arg.Interface()); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidParams, err)
			}
		}
		args[i] = arg.Elem()
	}
	return args, nil
}
