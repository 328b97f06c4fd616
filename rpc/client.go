package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"deedledger/crypto"
)

// Client calls a deedd JSON-RPC endpoint. A non-nil Signer signs every
// request; reads do not require it.
type Client struct {
	Endpoint string
	HTTP     *http.Client
	Signer   *crypto.PrivateKey
	Token    string
	NowFn    func() time.Time
}

// Call invokes method with params as the single parameter object and decodes
// the result into out when out is non-nil.
func (c *Client) Call(ctx context.Context, method string, params interface{}, out interface{}) error {
	var rawParams []json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode params: %w", err)
		}
		rawParams = []json.RawMessage{encoded}
	}
	body, err := json.Marshal(RPCRequest{JSONRPC: jsonRPCVersion, Method: method, Params: rawParams, ID: 1})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token := strings.TrimSpace(c.Token); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if c.Signer != nil {
		now := time.Now
		if c.NowFn != nil {
			now = c.NowFn
		}
		if err := SignRequest(req, c.Signer, body, now()); err != nil {
			return err
		}
	}
	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	var decoded struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if decoded.Error != nil {
		decoded.Error.status = resp.StatusCode
		return decoded.Error
	}
	if out == nil || len(decoded.Result) == 0 {
		return nil
	}
	return json.Unmarshal(decoded.Result, out)
}

// Status returns the HTTP status the server answered with.
func (e *RPCError) Status() int {
	if e == nil {
		return 0
	}
	return e.status
}
