package fetch

import (
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
)

// Mode 对应浏览器 Request.mode。
type Mode string

const (
	ModeNavigate   Mode = "navigate"
	ModeSameOrigin Mode = "same-origin"
	ModeCORS       Mode = "cors"
	ModeNoCORS     Mode = "no-cors"
)

// Destination 对应浏览器 Request.destination，空字符串表示未知。
type Destination string

const (
	DestinationNone     Destination = ""
	DestinationDocument Destination = "document"
	DestinationStyle    Destination = "style"
	DestinationScript   Destination = "script"
	DestinationImage    Destination = "image"
	DestinationFont     Destination = "font"
	DestinationManifest Destination = "manifest"
)

// Request 是控制器视角下的一次出站请求，URL 始终为客户端可见的绝对地址。
type Request struct {
	Method      string
	URL         *url.URL
	Header      http.Header
	Mode        Mode
	Destination Destination
	Body        []byte
}

// NewRequest 以绝对 URL 构造请求，默认 mode 为 no-cors（与浏览器子资源请求一致）。
func NewRequest(method, rawURL string) (*Request, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse request url: %w", err)
	}
	if !parsed.IsAbs() {
		return nil, fmt.Errorf("request url must be absolute: %s", rawURL)
	}
	if method == "" {
		method = http.MethodGet
	}
	return &Request{
		Method: strings.ToUpper(method),
		URL:    parsed,
		Header: http.Header{},
		Mode:   ModeNoCORS,
	}, nil
}

// FromHTTP 根据入站请求的方法、URL 与头部还原 mode/destination。
// Sec-Fetch-* 缺失时，GET 且 Accept 首选 text/html 视为导航，destination 依据扩展名推断。
func FromHTTP(method string, u *url.URL, header http.Header, body []byte) *Request {
	req := &Request{
		Method: strings.ToUpper(method),
		URL:    u,
		Header: header.Clone(),
		Body:   body,
	}
	if req.Header == nil {
		req.Header = http.Header{}
	}

	switch Mode(strings.ToLower(header.Get("Sec-Fetch-Mode"))) {
	case ModeNavigate:
		req.Mode = ModeNavigate
	case ModeSameOrigin:
		req.Mode = ModeSameOrigin
	case ModeCORS:
		req.Mode = ModeCORS
	case ModeNoCORS:
		req.Mode = ModeNoCORS
	default:
		if req.Method == http.MethodGet && prefersHTML(header.Get("Accept")) {
			req.Mode = ModeNavigate
		} else {
			req.Mode = ModeNoCORS
		}
	}

	if dest := strings.ToLower(header.Get("Sec-Fetch-Dest")); dest != "" && dest != "empty" {
		req.Destination = Destination(dest)
	} else if req.Mode == ModeNavigate {
		req.Destination = DestinationDocument
	} else {
		req.Destination = destinationFromPath(u.Path)
	}
	return req
}

// Key 返回缓存键：方法 + 去掉 fragment 的绝对 URL。
func (r *Request) Key() string {
	return KeyFor(r.Method, r.URL)
}

// KeyFor 规范化 (method, url) 为缓存键。
func KeyFor(method string, u *url.URL) string {
	if method == "" {
		method = http.MethodGet
	}
	normalized := *u
	normalized.Fragment = ""
	normalized.RawFragment = ""
	normalized.Scheme = strings.ToLower(normalized.Scheme)
	normalized.Host = strings.ToLower(normalized.Host)
	if normalized.Path == "" {
		normalized.Path = "/"
	}
	return strings.ToUpper(method) + " " + normalized.String()
}

// IsNavigation 表示顶层文档加载。
func (r *Request) IsNavigation() bool {
	return r.Mode == ModeNavigate
}

// SameOrigin 判断请求是否与给定源（scheme + host）同源。
func (r *Request) SameOrigin(origin *url.URL) bool {
	if origin == nil || r.URL == nil {
		return false
	}
	return strings.EqualFold(r.URL.Scheme, origin.Scheme) && strings.EqualFold(r.URL.Host, origin.Host)
}

// Clone 深拷贝请求，Header 与 Body 不与原对象共享。
func (r *Request) Clone() *Request {
	cloned := *r
	if r.URL != nil {
		u := *r.URL
		cloned.URL = &u
	}
	cloned.Header = r.Header.Clone()
	if r.Body != nil {
		cloned.Body = append([]byte(nil), r.Body...)
	}
	return &cloned
}

// conditionalHeaders 会让上游按某个客户端的本地缓存返回 304 或分段内容。
var conditionalHeaders = []string{
	"If-None-Match",
	"If-Modified-Since",
	"If-Match",
	"If-Unmodified-Since",
	"If-Range",
	"Range",
}

// WithoutConditionals 返回去掉条件请求头与 Range 的副本，回源结果因此总是完整响应，可以写入共享缓存。
func (r *Request) WithoutConditionals() *Request {
	cloned := r.Clone()
	for _, name := range conditionalHeaders {
		cloned.Header.Del(name)
	}
	return cloned
}

func prefersHTML(accept string) bool {
	for _, part := range strings.Split(accept, ",") {
		mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		return mediaType == "text/html" || mediaType == "application/xhtml+xml"
	}
	return false
}

func destinationFromPath(p string) Destination {
	switch strings.ToLower(path.Ext(p)) {
	case ".css":
		return DestinationStyle
	case ".js", ".mjs":
		return DestinationScript
	case ".png", ".jpg", ".jpeg", ".gif", ".webp", ".avif", ".svg", ".ico":
		return DestinationImage
	case ".woff", ".woff2", ".ttf", ".otf", ".eot":
		return DestinationFont
	case ".webmanifest":
		return DestinationManifest
	default:
		return DestinationNone
	}
}
