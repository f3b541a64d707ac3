package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"

	perrors "github.com/jmgilman/go/errors"
)

// Fetcher 是控制器唯一的网络出口。返回 error 表示网络不可达（DNS、拒绝连接、超时），
// 上游返回的任何 HTTP 状态码都以 Response 形式返回。
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *Request) (*Response, error)

// Fetch makes FetcherFunc satisfy Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Resolver 将客户端可见的 URL 映射为真实回源地址，以及可选的出站代理。
type Resolver interface {
	Resolve(u *url.URL) (target *url.URL, proxy *url.URL, ok bool)
}

// ErrUnresolved 表示请求的 Host 未在网关中登记。
var ErrUnresolved = errors.New("origin not registered")

// HTTPFetcher 通过共享 http.Client 回源，按代理地址复用独立的 Transport。
type HTTPFetcher struct {
	client   *http.Client
	resolver Resolver
	proxied  sync.Map // key: proxy url, value: *http.Client
}

// NewHTTPFetcher 构造基于 net/http 的 Fetcher，resolver 为空时直接访问请求 URL。
func NewHTTPFetcher(client *http.Client, resolver Resolver) *HTTPFetcher {
	if client == nil {
		client = NewClient(0)
	}
	return &HTTPFetcher{client: client, resolver: resolver}
}

// Fetch 执行一次完整回源并缓冲正文。
func (f *HTTPFetcher) Fetch(ctx context.Context, req *Request) (*Response, error) {
	target := req.URL
	var proxyURL *url.URL
	if f.resolver != nil {
		resolved, proxy, ok := f.resolver.Resolve(req.URL)
		if !ok {
			return nil, perrors.Wrap(ErrUnresolved, perrors.CodeNotFound, "resolve "+req.URL.Host)
		}
		target, proxyURL = resolved, proxy
	}

	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, perrors.Wrap(err, perrors.CodeInvalidInput, "build upstream request")
	}
	CopyHeaders(httpReq.Header, req.Header)
	httpReq.Header.Del("Host")
	// 交由 Transport 透明解压，缓存中始终保存解码后的正文。
	httpReq.Header.Del("Accept-Encoding")
	if target.Host != req.URL.Host {
		httpReq.Header.Set("X-Forwarded-Host", req.URL.Host)
	}

	resp, err := f.clientFor(proxyURL).Do(httpReq)
	if err != nil {
		return nil, classifyNetworkError(ctx, err, req.URL)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyNetworkError(ctx, err, req.URL)
	}

	header := make(http.Header, len(resp.Header))
	CopyHeaders(header, resp.Header)
	header.Del("Content-Length")

	return &Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   payload,
		URL:    req.URL.String(),
		Type:   ResponseBasic,
	}, nil
}

func (f *HTTPFetcher) clientFor(proxyURL *url.URL) *http.Client {
	if proxyURL == nil {
		return f.client
	}
	key := proxyURL.String()
	if value, ok := f.proxied.Load(key); ok {
		return value.(*http.Client)
	}
	transport := defaultTransport.Clone()
	transport.Proxy = http.ProxyURL(proxyURL)
	client := &http.Client{Timeout: f.client.Timeout, Transport: transport}
	actual, _ := f.proxied.LoadOrStore(key, client)
	return actual.(*http.Client)
}

// classifyNetworkError 将底层错误包装为可重试的平台错误：超时归为 CodeTimeout，其余归为 CodeNetwork。
func classifyNetworkError(ctx context.Context, err error, target *url.URL) error {
	message := fmt.Sprintf("fetch %s", target.String())
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) ||
		errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return perrors.Wrap(err, perrors.CodeTimeout, message)
	}
	return perrors.Wrap(err, perrors.CodeNetwork, message)
}
