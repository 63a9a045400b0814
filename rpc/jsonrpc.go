package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	coreerrors "wagerchain/core/errors"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
	codeUnauthorized   = -32001
	codeStateConflict  = -32010
	codeTransferFailed = -32020
	codeRateLimited    = -32029
)

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ErrorData is attached to failures raised by the escrow and factory so
// clients can branch on the stable code instead of the message.
type ErrorData struct {
	Code string `json:"code"`
	Kind string `json:"kind"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

func invalidParams(format string, args ...interface{}) *RPCError {
	return &RPCError{Code: codeInvalidParams, Message: "invalid_params", Data: fmt.Sprintf(format, args...)}
}

// toRPCError maps a handler failure onto a JSON-RPC error object and the
// HTTP status it is delivered with.
func toRPCError(err error) (int, *RPCError) {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return statusForCode(rpcErr.Code), rpcErr
	}
	code := coreerrors.CodeOf(err)
	if code == "" {
		return http.StatusInternalServerError, &RPCError{Code: codeServerError, Message: err.Error()}
	}
	kind := coreerrors.KindOf(err)
	out := &RPCError{Message: err.Error(), Data: ErrorData{Code: code, Kind: kind.String()}}
	switch kind {
	case coreerrors.KindValidation:
		out.Code = codeInvalidParams
	case coreerrors.KindAuthorization:
		out.Code = codeUnauthorized
	case coreerrors.KindState:
		out.Code = codeStateConflict
	case coreerrors.KindTransfer:
		out.Code = codeTransferFailed
	default:
		out.Code = codeServerError
	}
	return statusForCode(out.Code), out
}

func statusForCode(code int) int {
	switch code {
	case codeInvalidParams, codeInvalidRequest, codeParseError, codeMethodNotFound:
		return http.StatusBadRequest
	case codeUnauthorized:
		return http.StatusForbidden
	case codeStateConflict:
		return http.StatusConflict
	case codeTransferFailed:
		return http.StatusUnprocessableEntity
	case codeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// outcomeOf is the metrics label for a finished call.
func outcomeOf(err error) string {
	if err == nil {
		return "ok"
	}
	if code := coreerrors.CodeOf(err); code != "" {
		return code
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Message
	}
	return "error"
}

// decodeParams unmarshals the single parameter object of req into dst.
func decodeParams(req *RPCRequest, dst interface{}) error {
	if len(req.Params) != 1 {
		return invalidParams("exactly one parameter object expected")
	}
	dec := json.NewDecoder(bytes.NewReader(req.Params[0]))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return invalidParams("%v", err)
	}
	return nil
}
