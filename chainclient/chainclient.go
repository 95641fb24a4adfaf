// Package chainclient is the Blockchain Adapter collaborator (spec.md §2
// item 1, explicitly out of scope — "provides block ranges and raw
// transactions"). This package specifies only the interface the indexing
// supervisor calls into, plus a minimal JSON-RPC-over-HTTP client for a
// bitcoind-compatible node. No pack example wires a cryptocurrency RPC
// client, so this file uses only the standard library net/http +
// encoding/json — see DESIGN.md.
package chainclient

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// RawTx is a transaction as reported by the adapter, carrying the
// null-data ("OP_RETURN"-equivalent) payload the Transaction Filter
// inspects (spec.md §4.1).
type RawTx struct {
	TxID     string `json:"txid"`
	NullData string `json:"nulldata"` // hex-encoded; "" / absent means no null-data output
}

// HasNullData reports whether this tx carries a null-data payload at all,
// matching the original's `'nulldata' in tx and tx['nulldata'] is not None`
// check ahead of the hex-decode.
func (t RawTx) HasNullData() bool { return t.NullData != "" }

// DecodedNullData hex-decodes the null-data payload.
func (t RawTx) DecodedNullData() ([]byte, error) {
	return hex.DecodeString(t.NullData)
}

// Adapter is the Blockchain Adapter contract the Indexing Supervisor
// drives (spec.md §4.2 step 1-2).
type Adapter interface {
	// IndexRange returns (first, last) block heights known to the chain
	// node. A nil last signals a transient failure to the supervisor,
	// which must back off and retry (spec.md §4.2 step 2).
	IndexRange(ctx context.Context) (first, last *int64, err error)

	// BlockTransactions streams every transaction in block, unfiltered;
	// the caller applies the Transaction Filter.
	BlockTransactions(ctx context.Context, block int64) ([]RawTx, error)

	// Close releases the underlying connection. The supervisor dials a
	// fresh Adapter every sync iteration rather than reusing one across
	// iterations, to tolerate transient disconnects (spec.md §4.2 step 1).
	Close() error
}

// Options configures Dial.
type Options struct {
	RPCURL   string
	User     string
	Password string
	Timeout  time.Duration
}

// Dial connects to a bitcoind-compatible JSON-RPC endpoint.
func Dial(opts Options) (Adapter, error) {
	if opts.RPCURL == "" {
		return nil, errors.New("chainclient: empty RPC URL")
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &httpAdapter{
		opts:   opts,
		client: &http.Client{Timeout: timeout},
	}, nil
}

type httpAdapter struct {
	opts   Options
	client *http.Client
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      string        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (a *httpAdapter) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "1.0", ID: "blockstackd", Method: method, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.opts.RPCURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.opts.User != "" {
		req.SetBasicAuth(a.opts.User, a.opts.Password)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("chainclient: rpc %s: http %d", method, resp.StatusCode)
	}
	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return err
	}
	if rr.Error != nil {
		return fmt.Errorf("chainclient: rpc %s: %s", method, rr.Error.Message)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(rr.Result, out)
}

func (a *httpAdapter) IndexRange(ctx context.Context) (*int64, *int64, error) {
	var height int64
	if err := a.call(ctx, "getblockcount", nil, &height); err != nil {
		return nil, nil, err
	}
	first := int64(0)
	return &first, &height, nil
}

func (a *httpAdapter) BlockTransactions(ctx context.Context, block int64) ([]RawTx, error) {
	var hash string
	if err := a.call(ctx, "getblockhash", []interface{}{block}, &hash); err != nil {
		return nil, err
	}
	var raw struct {
		Tx []RawTx `json:"tx"`
	}
	if err := a.call(ctx, "getblock", []interface{}{hash, 2}, &raw); err != nil {
		return nil, err
	}
	return raw.Tx, nil
}

func (a *httpAdapter) Close() error { return nil }
