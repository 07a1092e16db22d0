package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BaSui01/agentrelay/agent/task"
	"github.com/BaSui01/agentrelay/internal/ctxkeys"
	"github.com/BaSui01/agentrelay/internal/tlsutil"
	"github.com/BaSui01/agentrelay/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

// ClientConfig 远程 Agent 客户端配置
type ClientConfig struct {
	// DefaultEndpoint 未在 Endpoints 中登记的 Agent 使用的地址
	DefaultEndpoint string `yaml:"default_endpoint" env:"DEFAULT_ENDPOINT"`
	// Endpoints agent_id -> base URL
	Endpoints map[string]string `yaml:"endpoints" env:"ENDPOINTS"`
	// Timeout 默认单次调用超时（覆盖整个事件流）；0 表示不限制
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// MaxRetries 仅对连接错误重试
	MaxRetries int           `yaml:"max_retries" env:"MAX_RETRIES"`
	RetryDelay time.Duration `yaml:"retry_delay" env:"RETRY_DELAY"`
	// Headers 每个请求都会携带的静态请求头
	Headers   map[string]string        `yaml:"headers" env:"HEADERS"`
	Transport tlsutil.TransportOptions `yaml:"-"`
}

// DefaultClientConfig 返回默认配置
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:    60 * time.Second,
		MaxRetries: 0,
		RetryDelay: 500 * time.Millisecond,
		Headers:    map[string]string{},
		Transport:  tlsutil.DefaultTransportOptions(),
	}
}

// CallOption 单次调用参数
type CallOption func(*callOptions)

type callOptions struct {
	timeout time.Duration
	headers map[string]string
}

// WithTimeout 覆盖本次调用的超时
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// WithHeader 为本次调用附加请求头
func WithHeader(key, value string) CallOption {
	return func(o *callOptions) {
		if o.headers == nil {
			o.headers = make(map[string]string)
		}
		o.headers[key] = value
	}
}

// HTTPClient talks to remote agents over POST + server-sent events. One client
// is shared by all delegations so idle connections are reused per host.
type HTTPClient struct {
	config     ClientConfig
	httpClient *http.Client
	propagator propagation.TextMapPropagator
	logger     *zap.Logger
}

// NewHTTPClient 创建客户端
func NewHTTPClient(config ClientConfig, logger *zap.Logger) *HTTPClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = DefaultClientConfig().RetryDelay
	}
	return &HTTPClient{
		config:     config,
		httpClient: tlsutil.StreamingHTTPClient(config.Transport),
		propagator: otel.GetTextMapPropagator(),
		logger:     logger.With(zap.String("component", "a2a_client")),
	}
}

// Endpoint resolves the base URL for agentID.
func (c *HTTPClient) Endpoint(agentID string) (string, error) {
	if ep, ok := c.config.Endpoints[agentID]; ok && ep != "" {
		return strings.TrimRight(ep, "/"), nil
	}
	if c.config.DefaultEndpoint != "" {
		return strings.TrimRight(c.config.DefaultEndpoint, "/"), nil
	}
	return "", types.Errorf(types.ErrAgentNotFound, "no endpoint configured for agent %s", agentID)
}

// CreateTask posts a new task to the remote agent and returns its event stream.
// Connection and status failures are returned before any event; decode failures
// are yielded from the sequence. The caller must range over the sequence so the
// response body is released.
func (c *HTTPClient) CreateTask(ctx context.Context, agentID string, req CreateTaskRequest, opts ...CallOption) (iter.Seq2[task.Event, error], error) {
	o := callOptions{timeout: c.config.Timeout}
	for _, opt := range opts {
		opt(&o)
	}

	endpoint, err := c.Endpoint(agentID)
	if err != nil {
		return nil, err
	}
	target := endpoint + APIPrefix + "/agents/" + url.PathEscape(agentID) + "/tasks"

	body, err := json.Marshal(req)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "marshal task request").WithCause(err)
	}

	var (
		callCtx context.Context
		cancel  context.CancelFunc
	)
	if o.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, o.timeout)
	} else {
		callCtx, cancel = context.WithCancel(ctx)
	}

	resp, err := c.post(callCtx, target, body, req.TenantID, o.headers)
	if err != nil {
		cancel()
		return nil, c.wrapContextError(callCtx, agentID, o.timeout, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		cancel()
		return nil, types.Errorf(types.ErrTransport, "agent %s returned HTTP %d: %s",
			agentID, resp.StatusCode, strings.TrimSpace(string(excerpt))).
			WithDetail("status", resp.StatusCode)
	}
	if mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mt != ContentTypeSSE {
		resp.Body.Close()
		cancel()
		return nil, types.Errorf(types.ErrProtocol, "agent %s answered with content type %q", agentID, mt)
	}

	c.logger.Debug("task stream opened",
		zap.String("agent_id", agentID),
		zap.String("endpoint", endpoint),
	)

	return func(yield func(task.Event, error) bool) {
		defer cancel()
		defer resp.Body.Close()

		dec := NewDecoder(resp.Body)
		for {
			ev, err := dec.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				if callCtx.Err() != nil {
					err = c.wrapContextError(callCtx, agentID, o.timeout, err)
				}
				yield(nil, err)
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}, nil
}

// post 发送请求；仅在连接失败时按配置重试
func (c *HTTPClient) post(ctx context.Context, target string, body []byte, tenantID string, extra map[string]string) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			return nil, types.NewError(types.ErrInvalidRequest, "build request").WithCause(err)
		}
		req.Header.Set("Content-Type", ContentTypeJSON)
		req.Header.Set("Accept", ContentTypeSSE)
		if tenantID != "" {
			req.Header.Set(HeaderTenantID, tenantID)
		}
		if chain := ctxkeys.AgentChain(ctx); len(chain) > 0 {
			req.Header.Set(HeaderAgentChain, strings.Join(chain, ","))
		}
		for k, v := range c.config.Headers {
			req.Header.Set(k, v)
		}
		for k, v := range extra {
			req.Header.Set(k, v)
		}
		c.propagator.Inject(ctx, propagation.HeaderCarrier(req.Header))

		resp, err := c.httpClient.Do(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil || attempt == c.config.MaxRetries {
			break
		}

		c.logger.Debug("connection failed, retrying",
			zap.String("url", target),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil, lastErr
		case <-time.After(c.config.RetryDelay):
		}
	}
	return nil, types.Errorf(types.ErrTransport, "connect %s", target).WithCause(lastErr).WithRetryable(true)
}

func (c *HTTPClient) wrapContextError(ctx context.Context, agentID string, timeout time.Duration, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		if timeout <= 0 {
			return types.Errorf(types.ErrTimeout, "agent %s exceeded the caller deadline", agentID).WithCause(err)
		}
		return types.Errorf(types.ErrTimeout, "agent %s timed out after %s", agentID, timeout).WithCause(err)
	}
	if types.GetErrorCode(err) != "" {
		return err
	}
	return types.NewError(types.ErrTransport, fmt.Sprintf("call to agent %s failed", agentID)).WithCause(err)
}
