package buildbackend

import (
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeBackendServer reads JSON-RPC requests off r and writes canned
// responses to w, standing in for a real backend process during tests.
func fakeBackendServer(t *testing.T, r io.Reader, w io.Writer, handler func(method string, params json.RawMessage) (interface{}, *rpcError)) {
	t.Helper()
	dec := json.NewDecoder(r)
	enc := json.NewEncoder(w)
	go func() {
		for {
			var req rpcRequest
			if err := dec.Decode(&req); err != nil {
				return
			}
			result, rpcErr := handler(req.Method, req.Params)
			resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
			if rpcErr != nil {
				resp.Error = rpcErr
			} else {
				buf, _ := json.Marshal(result)
				resp.Result = buf
			}
			if err := enc.Encode(resp); err != nil {
				return
			}
		}
	}()
}

func TestRPCClient_Call_RoundTrip(t *testing.T) {
	clientToServerR, clientToServerW := io.Pipe()
	serverToClientR, serverToClientW := io.Pipe()
	defer clientToServerW.Close()
	defer serverToClientW.Close()

	fakeBackendServer(t, clientToServerR, serverToClientW, func(method string, params json.RawMessage) (interface{}, *rpcError) {
		require.Equal(t, "initialize", method)
		return map[string]interface{}{"capabilities": map[string]bool{"conda_metadata": true}}, nil
	})

	client := newRPCClient(clientToServerW, serverToClientR)

	var out initializeResult
	err := client.call("initialize", InitParams{SourceDir: "/src"}, &out)
	require.NoError(t, err)
	require.True(t, out.Capabilities.CondaMetadata)
}

func TestRPCClient_Call_PropagatesRPCError(t *testing.T) {
	clientToServerR, clientToServerW := io.Pipe()
	serverToClientR, serverToClientW := io.Pipe()
	defer clientToServerW.Close()
	defer serverToClientW.Close()

	fakeBackendServer(t, clientToServerR, serverToClientW, func(method string, params json.RawMessage) (interface{}, *rpcError) {
		return nil, &rpcError{Code: 7, Message: "boom"}
	})

	client := newRPCClient(clientToServerW, serverToClientR)

	err := client.call("conda_metadata", struct{}{}, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
}
