package chain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// Expected revert reasons that mean the transition already happened.
const (
	reasonAlreadySettled  = "already settled"
	reasonAlreadyRefunded = "already refunded"
)

// ErrReceiptTimeout is returned when a sent transaction is not mined in time.
var ErrReceiptTimeout = errors.New("chain: timed out waiting for receipt")

// RevertError is a decoded contract revert.
type RevertError struct {
	Method string
	Reason string
	Data   []byte
	Code   int
	TxHash string
}

func (e *RevertError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s reverted", e.Method)
	if e.Reason != "" {
		fmt.Fprintf(&b, ": %s", e.Reason)
	}
	if e.Code != 0 {
		fmt.Fprintf(&b, " (code %d)", e.Code)
	}
	if len(e.Data) > 0 {
		fmt.Fprintf(&b, " data=%s", hexutil.Encode(e.Data))
	}
	if e.TxHash != "" {
		fmt.Fprintf(&b, " tx=%s", e.TxHash)
	}
	return b.String()
}

// IsAlreadySettled reports a revert meaning the pool is settled already.
func IsAlreadySettled(err error) bool {
	return hasReason(err, reasonAlreadySettled)
}

// IsAlreadyRefunded reports a revert meaning the pool is refunded already.
func IsAlreadyRefunded(err error) bool {
	return hasReason(err, reasonAlreadyRefunded)
}

func hasReason(err error, reason string) bool {
	var rev *RevertError
	if !errors.As(err, &rev) {
		return false
	}
	return strings.Contains(strings.ToLower(rev.Reason), reason)
}

var transientMarkers = []string{
	"nonce too low",
	"replacement transaction underpriced",
	"already known",
	"transaction underpriced",
	"connection refused",
	"connection reset",
	"broken pipe",
	"i/o timeout",
	"eof",
	"too many requests",
	"header not found",
	"timeout",
}

// IsTransient reports whether err is worth retrying: network failures, RPC
// disconnects, timeouts and nonce races. Reverts are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var rev *RevertError
	if errors.As(err, &rev) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrReceiptTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == 429 || httpErr.StatusCode >= 500
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// decodeCallError turns an eth_call or eth_estimateGas failure into a
// RevertError when the node reports revert data; other errors pass through.
func decodeCallError(method string, err error) error {
	if err == nil {
		return nil
	}
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		if strings.Contains(strings.ToLower(err.Error()), "execution reverted") {
			return &RevertError{Method: method, Reason: revertReasonFromMessage(err.Error())}
		}
		return err
	}

	rev := &RevertError{Method: method, Reason: revertReasonFromMessage(dataErr.Error())}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		rev.Code = rpcErr.ErrorCode()
	}
	if raw, ok := dataErr.ErrorData().(string); ok {
		if data, decErr := hexutil.Decode(raw); decErr == nil {
			rev.Data = data
			if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
				rev.Reason = reason
			}
		}
	}
	return rev
}

func revertReasonFromMessage(msg string) string {
	if i := strings.Index(msg, "execution reverted:"); i >= 0 {
		return strings.TrimSpace(msg[i+len("execution reverted:"):])
	}
	return msg
}
