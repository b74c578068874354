package bitcoin

import (
	"encoding/json"
	"fmt"
	"time"
)

// RPCRequest represents a JSON-RPC 1.0 request to a getwork or GBT pool.
type RPCRequest struct {
	ID     any    `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// RPCResponse represents a JSON-RPC 1.0 response.
// Contains either a result or an error, never both.
type RPCResponse struct {
	ID     any             `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// RPCError represents an error returned by the JSON-RPC interface.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// GetworkResult is the result of a getwork request.
type GetworkResult struct {
	Data   string `json:"data"`
	Target string `json:"target"`
}

// Endpoint identifies the pool an RPC call goes to.
type Endpoint struct {
	ID   int
	URL  string
	User string
	Pass string
}

// Reply carries an RPC result together with the pool's extension headers.
type Reply struct {
	Result json.RawMessage

	// Stratum is the X-Stratum upgrade URL, if advertised.
	Stratum string
	// LongPoll is the X-Long-Polling path, if advertised.
	LongPoll string
	// RollWindow is how long the header ntime may be rolled, from X-Roll-Ntime.
	RollWindow time.Duration
	Latency    time.Duration
}
