// Package broker speaks the HTTP protocol of the task broker. Workers long-poll
// a per-service channel; the reply to one task is sent in the same round trip
// that fetches the next one.
package broker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"syscall"
	"time"

	errspkg "github.com/drblury/rpcmesh/internal/runtime/errors"
	"github.com/drblury/rpcmesh/internal/runtime/jsoncodec"
	"github.com/drblury/rpcmesh/internal/runtime/jsonrpc"
	"github.com/drblury/rpcmesh/internal/runtime/metadata"
)

const (
	TaskPrefix  = "ms"
	EventPrefix = "events"
	DetailsPath = "/rpc/details"
)

// ChannelInfo is one entry of the broker registry.
type ChannelInfo struct {
	WorkerIDs []string `json:"worker_ids"`
}

// Reply describes the HTTP exchange that delivered a task. It becomes the
// transport context of the task.
type Reply struct {
	StatusCode int
	Status     string
	Proto      string
	Header     http.Header
}

// StatusError is returned for non-2xx broker replies.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request failed with status code %d", e.StatusCode)
}

// HTTPClientFactory allows overriding the HTTP client for testing.
var HTTPClientFactory = func() *http.Client {
	return &http.Client{}
}

// Client issues broker calls. Timeouts are carried by the context.
type Client struct {
	http *http.Client
}

// NewClient returns a Client using c, or HTTPClientFactory when c is nil.
func NewClient(c *http.Client) *Client {
	if c == nil {
		c = HTTPClientFactory()
	}
	return &Client{http: c}
}

// ChannelURL joins base, prefix and name into a channel address.
func ChannelURL(base, prefix, name string) string {
	return strings.TrimRight(base, "/") + "/" + prefix + "/" + name
}

// FetchTask acknowledges prev (when not nil) and waits for the next task of
// the channel. The first call of a worker passes a nil prev.
func (c *Client) FetchTask(ctx context.Context, base, name string, prev *jsonrpc.Response) (*jsonrpc.Request, Reply, error) {
	url := ChannelURL(base, TaskPrefix, name)
	var body []byte
	if prev != nil {
		url = base
		var err error
		if body, err = prev.MarshalJSON(); err != nil {
			return nil, Reply{}, fmt.Errorf("failed to encode response: %w", err)
		}
	}

	data, reply, err := c.do(ctx, http.MethodPost, url, body, metadata.New(metadata.HeaderType, metadata.TypeWorker))
	if err != nil {
		return nil, reply, err
	}
	if isBlank(data) {
		return nil, reply, fmt.Errorf("%w: no task in broker reply", errspkg.ErrEmptyResponse)
	}

	var req jsonrpc.Request
	if err := jsoncodec.Unmarshal(data, &req); err != nil {
		return nil, reply, fmt.Errorf("%w: %v", errspkg.ErrUnexpectedBrokerReply, err)
	}
	return &req, reply, nil
}

// PollEvent waits up to timeout for the next event delivered to name.
// A nil map with a nil error means the broker answered without an event.
func (c *Client) PollEvent(ctx context.Context, base, name string, timeout time.Duration) (map[string]any, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	data, _, err := c.do(ctx, http.MethodPost, ChannelURL(base, EventPrefix, name), nil, metadata.New(metadata.HeaderType, metadata.TypeGet))
	if err != nil {
		return nil, err
	}
	if isBlank(data) {
		return nil, nil
	}

	var event map[string]any
	if err := jsoncodec.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", errspkg.ErrUnexpectedBrokerReply, err)
	}
	return event, nil
}

// Call delivers req to the task channel of service and returns its reply.
// A nil response with a nil error means the broker replied with no body
// (notifications, async calls or absent services with the "if present"
// option).
func (c *Client) Call(ctx context.Context, base, service string, req *jsonrpc.Request, header metadata.Metadata) (*jsonrpc.Response, error) {
	body, err := req.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	data, _, err := c.do(ctx, http.MethodPost, ChannelURL(base, TaskPrefix, service), body, header)
	if err != nil {
		return nil, err
	}
	if isBlank(data) {
		return nil, nil
	}

	var res jsonrpc.Response
	if err := jsoncodec.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("%w: %v", errspkg.ErrUnexpectedBrokerReply, err)
	}
	return &res, nil
}

// Details returns the broker registry keyed by channel ("ms/users").
func (c *Client) Details(ctx context.Context, base string) (map[string]ChannelInfo, error) {
	data, _, err := c.do(ctx, http.MethodGet, strings.TrimRight(base, "/")+DetailsPath, nil, nil)
	if err != nil {
		return nil, err
	}
	details := map[string]ChannelInfo{}
	if isBlank(data) {
		return details, nil
	}
	if err := jsoncodec.Unmarshal(data, &details); err != nil {
		return nil, fmt.Errorf("%w: %v", errspkg.ErrUnexpectedBrokerReply, err)
	}
	return details, nil
}

func (c *Client) do(ctx context.Context, method, url string, body []byte, header metadata.Metadata) ([]byte, Reply, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, Reply{}, err
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	header.Apply(httpReq.Header)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, Reply{}, err
	}
	defer resp.Body.Close()

	reply := Reply{StatusCode: resp.StatusCode, Status: resp.Status, Proto: resp.Proto, Header: resp.Header}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, reply, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, reply, &StatusError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	return data, reply, nil
}

// IsTerminal reports whether err means the broker went away (refused or
// dropped connection). Workers stop on terminal errors.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, errspkg.ErrTerminalDisconnect) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") || strings.Contains(msg, "socket hang up")
}

// StatusCode extracts the HTTP status of a failed broker call, or 0.
func StatusCode(err error) int {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}

func isBlank(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) == 0 || string(trimmed) == "null"
}
