// Package stratum implements the client side of the Stratum V1 mining
// protocol: message codec, the per-pool session and proxy dialers.
package stratum

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/bardlex/gominer/internal/bitcoin"
	"github.com/bardlex/gominer/internal/jsonx"
	"github.com/bardlex/gominer/internal/pool"
)

// Message is an inbound Stratum JSON-RPC message: a response to one of our
// requests or a server notification.
type Message struct {
	ID     any    `json:"id"`
	Method string `json:"method,omitempty"`
	Params []any  `json:"params,omitempty"`
	Result any    `json:"result,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// Request is an outbound client request. Params is always sent, even empty.
type Request struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// Response answers a server request such as client.get_version.
type Response struct {
	ID     any    `json:"id"`
	Result any    `json:"result"`
	Error  *Error `json:"error"`
}

// Error is a Stratum error. Pools send it either as an object or as the
// classic [code, message, traceback] array.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("stratum error %d: %s", e.Code, e.Message)
}

type errorObject Error

// UnmarshalJSON accepts both error encodings.
func (e *Error) UnmarshalJSON(b []byte) error {
	var arr []any
	if err := jsonx.Unmarshal(b, &arr); err == nil {
		*e = Error{}
		if len(arr) > 0 {
			if code, ok := arr[0].(float64); ok {
				e.Code = int(code)
			}
		}
		if len(arr) > 1 {
			e.Message = fmt.Sprint(arr[1])
		}
		if len(arr) > 2 {
			e.Data = arr[2]
		}
		return nil
	}

	var obj errorObject
	if err := jsonx.Unmarshal(b, &obj); err != nil {
		return err
	}
	*e = Error(obj)
	return nil
}

// Common Stratum error codes
const (
	ErrorOther          = 20
	ErrorJobNotFound    = 21
	ErrorDuplicateShare = 22
	ErrorLowDifficulty  = 23
	ErrorUnauthorized   = 24
	ErrorNotSubscribed  = 25
)

// Client and server method names.
const (
	MethodSubscribe           = "mining.subscribe"
	MethodAuthorize           = "mining.authorize"
	MethodSubmit              = "mining.submit"
	MethodExtranonceSubscribe = "mining.extranonce.subscribe"
	MethodNotify              = "mining.notify"
	MethodSetDifficulty       = "mining.set_difficulty"
	MethodSetExtranonce       = "mining.set_extranonce"
	MethodReconnect           = "client.reconnect"
	MethodGetVersion          = "client.get_version"
	MethodShowMessage         = "client.show_message"
	MethodPing                = "mining.ping"
)

// ParseMessage parses a JSON-RPC message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := jsonx.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return &msg, nil
}

// Marshal encodes an outbound request or response.
func Marshal(v any) ([]byte, error) {
	data, err := jsonx.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// IsResponse returns true if the message answers one of our requests.
func (m *Message) IsResponse() bool {
	return m.Method == "" && m.ID != nil
}

// ResponseID returns the numeric id of a response.
func (m *Message) ResponseID() (uint64, bool) {
	switch v := m.ID.(type) {
	case float64:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case string:
		n, err := strconv.ParseUint(v, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// Accepted reports whether a response carries a true result and no error.
func (m *Message) Accepted() bool {
	ok, _ := m.Result.(bool)
	return ok && m.Error == nil
}

// RejectReason extracts a human readable reason from a negative response.
func (m *Message) RejectReason() string {
	if m.Error != nil && m.Error.Message != "" {
		return m.Error.Message
	}
	if s, ok := m.Result.(string); ok && s != "" {
		return s
	}
	return "rejected"
}

// SubscribeParams builds mining.subscribe params. A session id asks the pool
// to resume an earlier subscription.
func SubscribeParams(clientID, sessionID string) []any {
	if sessionID == "" {
		return []any{clientID}
	}
	return []any{clientID, sessionID}
}

// AuthorizeParams builds mining.authorize params.
func AuthorizeParams(user, pass string) []any {
	return []any{user, pass}
}

// Share identifies a solution for mining.submit.
type Share struct {
	User        string
	JobID       string
	Extranonce2 string
	NTime       string
	Nonce       string
}

// Params builds mining.submit params.
func (s Share) Params() []any {
	return []any{s.User, s.JobID, s.Extranonce2, s.NTime, s.Nonce}
}

// SubscribeResult holds the values returned by mining.subscribe.
type SubscribeResult struct {
	SessionID       string
	Extranonce1     []byte
	Extranonce2Size int
}

// ParseSubscribeResult decodes [subscriptions, extranonce1, extranonce2_size].
func ParseSubscribeResult(result any) (*SubscribeResult, error) {
	arr, ok := result.([]any)
	if !ok || len(arr) < 3 {
		return nil, fmt.Errorf("subscribe result must be a 3 element array")
	}

	e1hex, ok := arr[1].(string)
	if !ok {
		return nil, fmt.Errorf("extranonce1 must be a string")
	}
	e1, err := hex.DecodeString(e1hex)
	if err != nil {
		return nil, fmt.Errorf("invalid extranonce1: %w", err)
	}

	n2, ok := arr[2].(float64)
	if !ok || n2 < 1 || n2 > 16 {
		return nil, fmt.Errorf("invalid extranonce2 size %v", arr[2])
	}

	return &SubscribeResult{
		SessionID:       findSessionID(arr[0]),
		Extranonce1:     e1,
		Extranonce2Size: int(n2),
	}, nil
}

// findSessionID returns the id paired with mining.notify in the
// subscription list, which may be a single pair or a list of pairs.
func findSessionID(v any) string {
	arr, ok := v.([]any)
	if !ok {
		return ""
	}
	if len(arr) >= 2 {
		if name, ok := arr[0].(string); ok {
			if name != MethodNotify {
				return ""
			}
			id, _ := arr[1].(string)
			return id
		}
	}
	for _, e := range arr {
		if id := findSessionID(e); id != "" {
			return id
		}
	}
	return ""
}

// ParseNotify decodes mining.notify params into a pool job. Subscription
// values are filled in later by Pool.ApplyNotify.
func ParseNotify(params []any) (*pool.Job, error) {
	if len(params) < 9 {
		return nil, fmt.Errorf("notify needs 9 params, got %d", len(params))
	}

	var str [8]string
	for _, i := range []int{0, 1, 2, 3, 5, 6, 7} {
		s, ok := params[i].(string)
		if !ok {
			return nil, fmt.Errorf("notify param %d must be a string", i)
		}
		str[i] = s
	}

	job := &pool.Job{
		JobID:    str[0],
		PrevHash: str[1],
		Version:  str[5],
		NBits:    str[6],
		NTime:    str[7],
	}
	if job.JobID == "" {
		return nil, fmt.Errorf("empty job id")
	}
	if _, err := bitcoin.ParsePrevHash(job.PrevHash); err != nil {
		return nil, err
	}
	for _, f := range []string{job.Version, job.NBits, job.NTime} {
		if _, err := bitcoin.ParseUint32BE(f); err != nil {
			return nil, err
		}
	}

	var err error
	if job.Coinb1, err = hex.DecodeString(str[2]); err != nil {
		return nil, fmt.Errorf("invalid coinb1: %w", err)
	}
	if job.Coinb2, err = hex.DecodeString(str[3]); err != nil {
		return nil, fmt.Errorf("invalid coinb2: %w", err)
	}

	branch, ok := params[4].([]any)
	if !ok {
		return nil, fmt.Errorf("merkle branch must be an array")
	}
	job.MerkleBranch = make([][]byte, 0, len(branch))
	for i, b := range branch {
		s, ok := b.(string)
		if !ok {
			return nil, fmt.Errorf("merkle branch %d must be a string", i)
		}
		h, err := hex.DecodeString(s)
		if err != nil || len(h) != 32 {
			return nil, fmt.Errorf("invalid merkle branch %d", i)
		}
		job.MerkleBranch = append(job.MerkleBranch, h)
	}

	clean, ok := params[8].(bool)
	if !ok {
		return nil, fmt.Errorf("clean_jobs must be a bool")
	}
	job.Clean = clean
	return job, nil
}

// ParseSetDifficulty decodes mining.set_difficulty params.
func ParseSetDifficulty(params []any) (float64, error) {
	if len(params) < 1 {
		return 0, fmt.Errorf("set_difficulty without params")
	}
	d, ok := params[0].(float64)
	if !ok {
		return 0, fmt.Errorf("difficulty must be a number")
	}
	if d <= 0 {
		return 0, fmt.Errorf("difficulty must be positive, got %v", d)
	}
	return d, nil
}

// ParseSetExtranonce decodes mining.set_extranonce params.
func ParseSetExtranonce(params []any) ([]byte, int, error) {
	if len(params) < 2 {
		return nil, 0, fmt.Errorf("set_extranonce needs 2 params")
	}
	s, ok := params[0].(string)
	if !ok {
		return nil, 0, fmt.Errorf("extranonce1 must be a string")
	}
	e1, err := hex.DecodeString(s)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid extranonce1: %w", err)
	}
	n2, ok := params[1].(float64)
	if !ok || n2 < 1 || n2 > 16 {
		return nil, 0, fmt.Errorf("invalid extranonce2 size %v", params[1])
	}
	return e1, int(n2), nil
}

// ParseReconnect decodes client.reconnect params. Empty values mean "same
// as before".
func ParseReconnect(params []any) (host, port string, err error) {
	if len(params) > 0 && params[0] != nil {
		h, ok := params[0].(string)
		if !ok {
			return "", "", fmt.Errorf("reconnect host must be a string")
		}
		host = h
	}
	if len(params) > 1 && params[1] != nil {
		switch v := params[1].(type) {
		case string:
			port = v
		case float64:
			port = strconv.Itoa(int(v))
		default:
			return "", "", fmt.Errorf("reconnect port must be a string or number")
		}
	}
	return host, port, nil
}
