package fetch

import (
	"net/http"
)

// ResponseType 对应浏览器 Response.type，error 表示网络错误响应。
type ResponseType string

const (
	ResponseBasic ResponseType = "basic"
	ResponseCORS  ResponseType = "cors"
	ResponseError ResponseType = "error"
)

// Response 是完整缓冲的响应，可被安全地复制到缓存后再返回给调用方。
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	URL    string
	Type   ResponseType
}

// NetworkError 返回通用的网络错误响应（status 0，无正文）。
func NetworkError() *Response {
	return &Response{Header: http.Header{}, Type: ResponseError}
}

// IsNetworkError 表示该响应代表网络错误而非上游状态码。
func (r *Response) IsNetworkError() bool {
	return r == nil || r.Type == ResponseError
}

// OK 对应 Response.ok：状态码位于 200-299。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status <= 299
}

// Clone 复制响应，Body 与 Header 不共享底层存储。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	cloned := *r
	cloned.Header = r.Header.Clone()
	if cloned.Header == nil {
		cloned.Header = http.Header{}
	}
	cloned.Body = append([]byte(nil), r.Body...)
	return &cloned
}
