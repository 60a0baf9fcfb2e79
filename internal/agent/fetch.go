package agent

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/danmu-garden-relay/internal/relay/protocol"
	"github.com/lk2023060901/danmu-garden-relay/internal/relay/validator"
)

// Fetcher 在本地网络中执行一条中继命令。
type Fetcher interface {
	Fetch(ctx context.Context, cmd *protocol.Command) (*protocol.FetchResult, error)
}

// HTTPFetcher 使用 net/http 执行中继命令。
type HTTPFetcher struct {
	client          *http.Client
	maxResponseSize int64
}

func NewHTTPFetcher(timeout time.Duration, maxResponseSize int64) *HTTPFetcher {
	// 目标都在本地网络，环境变量里的代理不参与。
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	return &HTTPFetcher{
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
			// 重定向可能把请求带出本地网络，交给调用方处理。
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		maxResponseSize: maxResponseSize,
	}
}

// Fetch 再次校验目标地址后执行请求，响应体超过上限时截断。
func (f *HTTPFetcher) Fetch(ctx context.Context, cmd *protocol.Command) (*protocol.FetchResult, error) {
	if !validator.IsRelayTarget(cmd.URL) {
		return nil, errors.Newf("refusing to fetch non-local target %s", cmd.URL)
	}
	if !validator.IsAllowedMethod(cmd.Method) {
		return nil, errors.Newf("method %s not allowed", cmd.Method)
	}

	var body io.Reader
	if cmd.Body != "" {
		body = strings.NewReader(cmd.Body)
	}
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(cmd.Method), cmd.URL, body)
	if err != nil {
		return nil, err
	}
	for k, v := range cmd.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxResponseSize))
	if err != nil {
		return nil, errors.Wrap(err, "read response body")
	}

	headers := make(map[string]string, len(resp.Header))
	for k, vs := range resp.Header {
		headers[strings.ToLower(k)] = strings.Join(vs, ", ")
	}
	return &protocol.FetchResult{
		RequestID:  cmd.RequestID,
		Status:     resp.StatusCode,
		StatusText: http.StatusText(resp.StatusCode),
		Headers:    headers,
		Body:       string(data),
		Time:       time.Since(start).Milliseconds(),
		Size:       int64(len(data)),
	}, nil
}
