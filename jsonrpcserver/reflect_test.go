package jsonrpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type ctxKey string

func rawParams(raw string) []json.RawMessage {
	var params []json.RawMessage
	err := json.Unmarshal([]byte(raw), &params)
	if err != nil {
		panic(err)
	}
	return params
}

type dummyStruct struct {
	Field int `json:"field"`
}

func TestGetMethodTypes(t *testing.T) {
	testCases := map[string]struct {
		fn  any
		err error
	}{
		"valid":            {fn: func(context.Context, int, float32) error { return nil }},
		"no args":          {fn: func(context.Context) error { return nil }},
		"with result":      {fn: func(context.Context) (int, error) { return 0, nil }},
		"not a function":   {fn: 1, err: ErrNotFunction},
		"no context":       {fn: func(int) error { return nil }, err: ErrMustHaveContext},
		"no error":         {fn: func(context.Context) int { return 0 }, err: ErrMustReturnError},
		"too many results": {fn: func(context.Context) (int, int, error) { return 0, 0, nil }, err: ErrTooManyReturnValues},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := getMethodTypes(testCase.fn)
			if testCase.err == nil {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, testCase.err)
			}
		})
	}
}

func TestDecodeArgs(t *testing.T) {
	method, err := getMethodTypes(func(context.Context, int, float32, []int, dummyStruct) error { return nil })
	require.NoError(t, err)

	args, err := decodeArgs(method.args, rawParams(`[1, 2.0, [2, 3, 5], {"field": 11}]`))
	require.NoError(t, err)
	require.Len(t, args, 4)
	require.Equal(t, 1, args[0].Interface())
	require.Equal(t, float32(2.0), args[1].Interface())
	require.Equal(t, []int{2, 3, 5}, args[2].Interface())
	require.Equal(t, dummyStruct{Field: 11}, args[3].Interface())

	// missing trailing params are zero values
	args, err = decodeArgs(method.args, rawParams(`[1]`))
	require.NoError(t, err)
	require.Equal(t, dummyStruct{}, args[3].Interface())

	_, err = decodeArgs(method.args, rawParams(`[1, 2, [], {}, 5]`))
	require.ErrorIs(t, err, ErrTooMuchArguments)
	require.ErrorIs(t, err, ErrInvalidParams)

	_, err = decodeArgs(method.args, rawParams(`["1"]`))
	require.ErrorIs(t, err, ErrInvalidParams)
}

func TestCall(t *testing.T) {
	errorOut := errors.New("function error") //nolint:goerr113

	withValue := func(ctx context.Context, arg int) (dummyStruct, error) {
		if ctx.Value(ctxKey("key")) != "value" {
			return dummyStruct{}, errors.New("context not passed") //nolint:goerr113
		}
		if arg == 0 {
			return dummyStruct{}, errorOut
		}
		return dummyStruct{arg}, nil
	}
	noResult := func(_ context.Context, arg int) error {
		if arg == 0 {
			return errorOut
		}
		return nil
	}

	testCases := map[string]struct {
		function      any
		args          string
		expectedValue any
		expectedError error
	}{
		"result":        {function: withValue, args: `[1]`, expectedValue: dummyStruct{1}},
		"result error":  {function: withValue, args: `[0]`, expectedValue: dummyStruct{}, expectedError: errorOut},
		"no result":     {function: noResult, args: `[1]`},
		"no result err": {function: noResult, args: `[0]`, expectedError: errorOut},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			method, err := getMethodTypes(testCase.function)
			require.NoError(t, err)

			ctx := context.WithValue(context.Background(), ctxKey("key"), "value")
			result, err := method.call(ctx, rawParams(testCase.args))
			if testCase.expectedError == nil {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, testCase.expectedError)
			}
			require.Equal(t, testCase.expectedValue, result)
		})
	}
}
