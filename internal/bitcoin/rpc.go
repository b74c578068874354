package bitcoin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"golang.org/x/time/rate"

	"github.com/bardlex/gominer/internal/jsonx"
	"github.com/bardlex/gominer/pkg/circuit"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
	"github.com/bardlex/gominer/pkg/retry"
)

// DefaultRollWindow is used for X-Roll-Ntime values that carry no expiry.
const DefaultRollWindow = 60 * time.Second

// RPCConfig configures an RPCClient.
type RPCConfig struct {
	UserAgent string
	Timeout   time.Duration
	// RateLimit caps requests per second across all pools. Zero disables it.
	RateLimit float64
	Logger    *log.Logger
}

// RPCClient speaks JSON-RPC over HTTP to getwork and GBT pools. Every pool
// gets its own circuit breaker so one dead pool does not slow the others.
type RPCClient struct {
	http     *http.Client
	longPoll *http.Client
	limiter  *rate.Limiter
	retry    *retry.Config
	agent    string
	logger   *log.Logger
	nextID   atomic.Uint64

	mu       sync.Mutex
	breakers map[int]*circuit.Breaker
}

// NewRPCClient creates a client.
func NewRPCClient(cfg RPCConfig) *RPCClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Discard()
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), int(cfg.RateLimit)+1)
	}
	return &RPCClient{
		http:     &http.Client{Timeout: cfg.Timeout},
		longPoll: &http.Client{},
		limiter:  limiter,
		retry:    retry.RPCConfig(),
		agent:    cfg.UserAgent,
		logger:   cfg.Logger.WithComponent("rpc"),
		breakers: make(map[int]*circuit.Breaker),
	}
}

func (c *RPCClient) breaker(ep Endpoint) *circuit.Breaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	cb, ok := c.breakers[ep.ID]
	if !ok {
		cb = circuit.New(&circuit.Config{
			Name:            strconv.Itoa(ep.ID),
			MaxFailures:     3,
			SuccessRequired: 1,
			Timeout:         10 * time.Second,
			ResetTimeout:    30 * time.Second,
			OnStateChange: func(name string, from, to circuit.State) {
				c.logger.Warn("pool rpc circuit changed", "pool", name, "from", from.String(), "to", to.String())
			},
		})
		c.breakers[ep.ID] = cb
	}
	return cb
}

// Call performs one JSON-RPC call with retry and circuit breaking.
func (c *RPCClient) Call(ctx context.Context, ep Endpoint, method string, params []any) (*Reply, error) {
	return retry.DoWithResult(ctx, c.retry, func() (*Reply, error) {
		return circuit.ExecuteWithResult(ctx, c.breaker(ep), func() (*Reply, error) {
			return c.do(ctx, c.http, ep.URL, ep, method, params)
		})
	})
}

func (c *RPCClient) do(ctx context.Context, client *http.Client, target string, ep Endpoint, method string, params []any) (*Reply, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if params == nil {
		params = []any{}
	}

	body, err := jsonx.Marshal(RPCRequest{ID: c.nextID.Add(1), Method: method, Params: params})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, method, "failed to encode request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, method, "invalid pool url")
	}
	req.SetBasicAuth(ep.User, ep.Pass)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Mining-Extensions", "longpoll midstate rollntime submitold")
	if c.agent != "" {
		req.Header.Set("User-Agent", c.agent)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeNetwork, method, "request failed").
			WithContext("pool", ep.ID)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeNetwork, method, "failed to read response")
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, errors.Newf(errors.ErrorTypePolicy, method, "pool refused credentials: %s", resp.Status)
	}

	var rpcResp RPCResponse
	if err := jsonx.Unmarshal(raw, &rpcResp); err != nil {
		if resp.StatusCode >= 500 {
			return nil, errors.Newf(errors.ErrorTypeNetwork, method, "pool error: %s", resp.Status)
		}
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, method, "malformed response")
	}
	if rpcResp.Error != nil {
		return nil, errors.Wrap(rpcResp.Error, errors.ErrorTypeProtocol, method, "pool returned an error")
	}

	return &Reply{
		Result:     rpcResp.Result,
		Stratum:    resp.Header.Get("X-Stratum"),
		LongPoll:   resp.Header.Get("X-Long-Polling"),
		RollWindow: ParseRollNTime(resp.Header.Get("X-Roll-Ntime")),
		Latency:    time.Since(start),
	}, nil
}

// ParseRollNTime interprets an X-Roll-Ntime header. "N" or empty disables
// rolling, "expire=S" allows S seconds and any other value allows
// DefaultRollWindow.
func ParseRollNTime(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" || strings.HasPrefix(strings.ToUpper(v), "N") {
		return 0
	}
	if rest, ok := strings.CutPrefix(strings.ToLower(v), "expire="); ok {
		secs, err := strconv.Atoi(rest)
		if err != nil || secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	return DefaultRollWindow
}

// GetWork requests a getwork unit.
func (c *RPCClient) GetWork(ctx context.Context, ep Endpoint) (*GetworkResult, *Reply, error) {
	reply, err := c.Call(ctx, ep, "getwork", nil)
	if err != nil {
		return nil, nil, err
	}
	res, err := decodeGetwork(reply.Result)
	return res, reply, err
}

// LongPoll blocks on the pool's long-poll URL until it announces new work.
// It does not retry; the caller loops.
func (c *RPCClient) LongPoll(ctx context.Context, ep Endpoint, lpURL string) (*GetworkResult, *Reply, error) {
	target, err := ResolveLongPollURL(ep.URL, lpURL)
	if err != nil {
		return nil, nil, err
	}
	reply, err := c.do(ctx, c.longPoll, target, ep, "getwork", nil)
	if err != nil {
		return nil, nil, err
	}
	res, err := decodeGetwork(reply.Result)
	return res, reply, err
}

func decodeGetwork(raw json.RawMessage) (*GetworkResult, error) {
	var res GetworkResult
	if err := jsonx.Unmarshal(raw, &res); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "getwork", "malformed result")
	}
	if res.Data == "" || res.Target == "" {
		return nil, errors.New(errors.ErrorTypeProtocol, "getwork", "result missing data or target")
	}
	return &res, nil
}

// ResolveLongPollURL resolves a possibly relative X-Long-Polling value.
func ResolveLongPollURL(base, lp string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeProtocol, "longpoll", "invalid pool url")
	}
	ref, err := url.Parse(lp)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeProtocol, "longpoll", "invalid long-poll url")
	}
	return b.ResolveReference(ref).String(), nil
}

// GetBlockTemplate requests a block template.
func (c *RPCClient) GetBlockTemplate(ctx context.Context, ep Endpoint) (*btcjson.GetBlockTemplateResult, *Reply, error) {
	req := &btcjson.TemplateRequest{
		Mode:         "template",
		Capabilities: []string{"coinbasetxn", "workid", "coinbase/append"},
		Rules:        []string{"segwit"},
	}
	reply, err := c.Call(ctx, ep, "getblocktemplate", []any{req})
	if err != nil {
		return nil, nil, err
	}

	var tmpl btcjson.GetBlockTemplateResult
	if err := jsonx.Unmarshal(reply.Result, &tmpl); err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrorTypeProtocol, "getblocktemplate", "malformed template")
	}
	return &tmpl, reply, nil
}

// SubmitWork submits solved getwork data. It reports the pool's verdict.
func (c *RPCClient) SubmitWork(ctx context.Context, ep Endpoint, data string) (bool, error) {
	reply, err := c.do(ctx, c.http, ep.URL, ep, "getwork", []any{data})
	if err != nil {
		return false, err
	}
	var ok bool
	if err := jsonx.Unmarshal(reply.Result, &ok); err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeProtocol, "getwork", "malformed submit result")
	}
	return ok, nil
}

// SubmitBlock submits a solved GBT block. An empty reason means accepted.
func (c *RPCClient) SubmitBlock(ctx context.Context, ep Endpoint, blockHex, workID string) (string, error) {
	params := []any{blockHex}
	if workID != "" {
		params = append(params, map[string]string{"workid": workID})
	}
	reply, err := c.do(ctx, c.http, ep.URL, ep, "submitblock", params)
	if err != nil {
		return "", err
	}
	if len(reply.Result) == 0 || string(reply.Result) == "null" {
		return "", nil
	}
	var reason string
	if err := jsonx.Unmarshal(reply.Result, &reason); err != nil {
		return "", fmt.Errorf("unexpected submitblock result %s", reply.Result)
	}
	return reason, nil
}
