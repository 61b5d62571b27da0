// Package jsonrpcserver serves functions like
// func Foo(context, int) (int, error)
// as JSON-RPC 2.0 methods over HTTP POST.
//
// Requests may carry an x-flashbots-signature header. A signed request is only accepted if the
// signature covers the exact body, the recovered address is then available through GetSigner.
package jsonrpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/go-utils/signature"
)

const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeCustomError    = -32000

	SignatureHeader = "x-flashbots-signature"

	maxRequestBodySize = 1 << 20
	jsonrpcVersion     = "2.0"
)

type signerKey struct{}

type JSONRPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      any               `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type JSONRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      any              `json:"id"`
	Result  *json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError    `json:"error,omitempty"`
}

type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *JSONRPCError) Error() string {
	return e.Message
}

type Methods map[string]any

type Handler struct {
	methods map[string]methodHandler
}

// NewHandler checks every method signature up front: context first, error last,
// JSON-decodable arguments and a JSON-encodable result.
func NewHandler(methods Methods) (*Handler, error) {
	m := make(map[string]methodHandler, len(methods))
	for name, fn := range methods {
		method, err := getMethodTypes(fn)
		if err != nil {
			return nil, err
		}
		m[name] = method
	}
	return &Handler{methods: m}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "only POST is supported", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize+1))
	if err != nil {
		respond(w, nil, nil, &JSONRPCError{Code: CodeParseError, Message: err.Error()})
		return
	}
	if len(body) > maxRequestBodySize {
		respond(w, nil, nil, &JSONRPCError{Code: CodeInvalidRequest, Message: "request too large"})
		return
	}

	req, rpcErr := decodeRequest(body)
	if rpcErr != nil {
		var id any
		if req != nil {
			id = req.ID
		}
		respond(w, id, nil, rpcErr)
		return
	}

	ctx, rpcErr := withSigner(r.Context(), r.Header.Get(SignatureHeader), body)
	if rpcErr != nil {
		respond(w, req.ID, nil, rpcErr)
		return
	}

	method, ok := h.methods[req.Method]
	if !ok {
		respond(w, req.ID, nil, &JSONRPCError{Code: CodeMethodNotFound, Message: "method not found"})
		return
	}

	result, err := method.call(ctx, req.Params)
	switch {
	case errors.Is(err, ErrInvalidParams):
		respond(w, req.ID, nil, &JSONRPCError{Code: CodeInvalidParams, Message: err.Error()})
	case err != nil:
		respond(w, req.ID, nil, &JSONRPCError{Code: CodeCustomError, Message: err.Error()})
	default:
		respond(w, req.ID, result, nil)
	}
}

// decodeRequest returns the request even on error when its id could be read.
func decodeRequest(body []byte) (*JSONRPCRequest, *JSONRPCError) {
	var req JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, &JSONRPCError{Code: CodeParseError, Message: err.Error()}
	}
	if req.JSONRPC != jsonrpcVersion {
		return &req, &JSONRPCError{Code: CodeParseError, Message: "invalid jsonrpc version"}
	}
	switch req.ID.(type) {
	case nil, string, float64:
	default:
		return &req, &JSONRPCError{Code: CodeParseError, Message: "invalid id type"}
	}
	return &req, nil
}

func withSigner(ctx context.Context, header string, body []byte) (context.Context, *JSONRPCError) {
	if header == "" {
		return ctx, nil
	}
	signer, err := signature.Verify(header, body)
	if err != nil {
		return ctx, &JSONRPCError{Code: CodeInvalidRequest, Message: "invalid " + SignatureHeader + " header: " + err.Error()}
	}
	return context.WithValue(ctx, signerKey{}, signer), nil
}

func respond(w http.ResponseWriter, id, result any, rpcErr *JSONRPCError) {
	res := JSONRPCResponse{JSONRPC: jsonrpcVersion, ID: id, Error: rpcErr}
	if rpcErr == nil {
		data, err := json.Marshal(result)
		if err != nil {
			res.Error = &JSONRPCError{Code: CodeInternalError, Message: err.Error()}
		} else {
			raw := json.RawMessage(data)
			res.Result = &raw
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// GetSigner returns the verified request signer, zero address for unsigned requests.
func GetSigner(ctx context.Context) common.Address {
	value, _ := ctx.Value(signerKey{}).(common.Address)
	return value
}
