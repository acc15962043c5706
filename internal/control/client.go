package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Client is a thin HTTP client dialing the control socket directly, for use
// by CLI tooling that does not go through the REST API's own process. The
// static-program bootstrap in cmd/bpfmand does not use it; it submits
// commands to command.Dispatcher directly.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient returns a Client that dials the Unix domain socket at
// socketPath for every request (spec.md §6 "Control socket", default
// /run/bpfman/bpfman.sock).
func NewClient(socketPath string) *Client {
	dialer := &net.Dialer{}
	return &Client{
		baseURL: "http://unix",
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					return dialer.DialContext(ctx, "unix", socketPath)
				},
			},
			Timeout: 30 * time.Second,
		},
	}
}

// Load submits a Load request and returns the resulting program id.
func (c *Client) Load(ctx context.Context, req LoadRequest) (uint32, error) {
	var resp LoadResponse
	if err := c.do(ctx, http.MethodPost, "/v1/programs", req, &resp); err != nil {
		return 0, err
	}
	return resp.ProgramID, nil
}

// Unload submits an Unload request for programID.
func (c *Client) Unload(ctx context.Context, programID uint32) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/v1/programs/%d", programID), nil, nil)
}

// Attach submits an Attach request and returns the resulting link id.
func (c *Client) Attach(ctx context.Context, req AttachRequest) (uint32, error) {
	var resp AttachResponse
	if err := c.do(ctx, http.MethodPost, "/v1/links", req, &resp); err != nil {
		return 0, err
	}
	return resp.LinkID, nil
}

// Detach submits a Detach request for linkID.
func (c *Client) Detach(ctx context.Context, linkID uint32) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/v1/links/%d", linkID), nil, nil)
}

// List returns every loaded program.
func (c *Client) List(ctx context.Context) ([]ProgramDTO, error) {
	var resp []ProgramDTO
	if err := c.do(ctx, http.MethodGet, "/v1/programs", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetProgram fetches one program by id.
func (c *Client) GetProgram(ctx context.Context, id uint32) (ProgramDTO, error) {
	var resp ProgramDTO
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/programs/%d", id), nil, &resp)
	return resp, err
}

// GetLink fetches one link by id.
func (c *Client) GetLink(ctx context.Context, id uint32) (LinkDTO, error) {
	var resp LinkDTO
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/links/%d", id), nil, &resp)
	return resp, err
}

// PullBytecode resolves a Location into verified bytes without loading it,
// returning its size and whether it was served from the local cache.
func (c *Client) PullBytecode(ctx context.Context, req PullBytecodeRequest) (PullBytecodeResponse, error) {
	var resp PullBytecodeResponse
	err := c.do(ctx, http.MethodPost, "/v1/bytecode:pull", req, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("control: encode request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("control: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("control: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var errResp errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		return fmt.Errorf("control: %s %s: %d %s: %s", method, path, resp.StatusCode, errResp.Kind, errResp.Message)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("control: decode response: %w", err)
		}
	}
	return nil
}
