// internal/blockchain/solbc/errors.go
package solbc

import (
	"errors"
	"strings"

	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"go.uber.org/zap"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrInvalidAccount  = errors.New("unexpected account data")
)

// IsAccountNotFoundError проверяет, является ли ошибка "not found".
// RPC nodes report a missing account or mint either as "not found" or as
// "could not find account" / "could not find mint".
func IsAccountNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAccountNotFound) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "could not find")
}

// rpcErrorFields extracts the code, message and the tail of simulation logs
// from a JSON-RPC error for logging.
func rpcErrorFields(err error) []zap.Field {
	var rpcErr *jsonrpc.RPCError
	if !errors.As(err, &rpcErr) {
		return []zap.Field{zap.Error(err)}
	}

	fields := []zap.Field{
		zap.Int("rpc_code", rpcErr.Code),
		zap.String("rpc_message", rpcErr.Message),
	}
	data, ok := rpcErr.Data.(map[string]interface{})
	if !ok {
		return fields
	}
	if logs, ok := data["logs"].([]interface{}); ok {
		tail := make([]string, 0, 5)
		for i := len(logs) - 1; i >= 0 && len(tail) < 5; i-- {
			if s, ok := logs[i].(string); ok {
				tail = append([]string{s}, tail...)
			}
		}
		fields = append(fields, zap.Strings("simulation_logs", tail))
	}
	if ixErr, ok := data["err"]; ok {
		fields = append(fields, zap.Any("instruction_error", ixErr))
	}
	return fields
}
