package buildbackend

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"pixi.goldmine.build/go/skerr"
)

// rpcClient speaks line-delimited JSON-RPC 2.0 over a pair of pipes, the
// wire format §6 specifies for build-backend communication. There is no
// JSON-RPC library anywhere in the teacher's or pack's dependency surface
// (grpc/protobuf are present but deliberately not used here -- see
// DESIGN.md), so the client is hand-rolled directly on encoding/json,
// matching the size and shape of a protocol this thin.
type rpcClient struct {
	enc *json.Encoder
	dec *json.Decoder

	writeMu sync.Mutex
	nextID  int64

	pending   map[int64]chan rpcResponse
	pendingMu sync.Mutex

	closed chan struct{}
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func newRPCClient(w io.Writer, r io.Reader) *rpcClient {
	c := &rpcClient{
		enc:     json.NewEncoder(w),
		dec:     json.NewDecoder(r),
		pending: make(map[int64]chan rpcResponse),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *rpcClient) readLoop() {
	defer close(c.closed)
	for {
		var resp rpcResponse
		if err := c.dec.Decode(&resp); err != nil {
			c.failAllPending(err)
			return
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.pendingMu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (c *rpcClient) failAllPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		ch <- rpcResponse{ID: id, Error: &rpcError{Code: -1, Message: err.Error()}}
	}
	c.pending = make(map[int64]chan rpcResponse)
}

// call sends method(params) and decodes the result into out. It blocks until
// a matching response arrives or the transport is closed.
func (c *rpcClient) call(method string, params interface{}, out interface{}) error {
	id := atomic.AddInt64(&c.nextID, 1)

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return skerr.Wrap(err)
	}

	replyCh := make(chan rpcResponse, 1)
	c.pendingMu.Lock()
	c.pending[id] = replyCh
	c.pendingMu.Unlock()

	c.writeMu.Lock()
	writeErr := c.enc.Encode(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: paramsJSON})
	c.writeMu.Unlock()
	if writeErr != nil {
		return skerr.Wrapf(writeErr, "sending %s", method)
	}

	select {
	case resp := <-replyCh:
		if resp.Error != nil {
			return resp.Error
		}
		if out != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return skerr.Wrapf(err, "decoding %s result", method)
			}
		}
		return nil
	case <-c.closed:
		return skerr.Fmt("backend RPC transport closed before %s responded", method)
	}
}
