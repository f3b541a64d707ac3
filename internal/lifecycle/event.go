package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/lavender-pwa/offline-gateway/internal/fetch"
)

// ErrAlreadyResponded 表示同一个 fetch 事件被多次 RespondWith。
var ErrAlreadyResponded = errors.New("fetch event already responded")

// ExtendableEvent 允许处理器通过 WaitUntil 延长事件生命周期，Wait 返回首个失败。
type ExtendableEvent struct {
	ctx   context.Context
	group *errgroup.Group
	gctx  context.Context
}

func newExtendableEvent(ctx context.Context) *ExtendableEvent {
	group, gctx := errgroup.WithContext(ctx)
	return &ExtendableEvent{ctx: ctx, group: group, gctx: gctx}
}

// Context 返回事件所属的上下文。
func (e *ExtendableEvent) Context() context.Context {
	return e.ctx
}

// WaitUntil 在事件结束前等待 fn 完成；fn 中的 panic 会被转换为错误。
func (e *ExtendableEvent) WaitUntil(fn func(ctx context.Context) error) {
	e.group.Go(func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("extended work panicked: %v", rec)
			}
		}()
		return fn(e.gctx)
	})
}

// Wait 阻塞直到全部延长任务结束。
func (e *ExtendableEvent) Wait() error {
	return e.group.Wait()
}

// InstallEvent 在新版本安装时分发。
type InstallEvent struct {
	*ExtendableEvent
	mu          sync.Mutex
	skipWaiting bool
}

// SkipWaiting 表示安装完成后立即接管，不等待旧版本的客户端离开。
func (e *InstallEvent) SkipWaiting() {
	e.mu.Lock()
	e.skipWaiting = true
	e.mu.Unlock()
}

func (e *InstallEvent) skipsWaiting() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.skipWaiting
}

// ActivateEvent 在版本接管时分发。
type ActivateEvent struct {
	*ExtendableEvent
	mu      sync.Mutex
	claimed bool
}

// Claim 让当前版本立即控制全部存活客户端。
func (e *ActivateEvent) Claim() {
	e.mu.Lock()
	e.claimed = true
	e.mu.Unlock()
}

func (e *ActivateEvent) claims() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.claimed
}

// Reply 是控制器给出的响应，附带所用策略与响应来源，便于诊断。
type Reply struct {
	Response *fetch.Response
	Strategy string
	Source   string
}

// Responder 在请求上下文中计算响应；返回错误表示该次 fetch 被拒绝。
type Responder func(ctx context.Context) (*Reply, error)

// FetchEvent 对应一次被拦截的请求。
type FetchEvent struct {
	*ExtendableEvent
	request  *fetch.Request
	clientID string

	mu        sync.Mutex
	responder Responder
}

func newFetchEvent(ctx context.Context, req *fetch.Request, clientID string) *FetchEvent {
	// 延长任务不随请求结束而取消，由 Registration 统一跟踪。
	return &FetchEvent{
		ExtendableEvent: newExtendableEvent(context.WithoutCancel(ctx)),
		request:         req,
		clientID:        clientID,
	}
}

// Request 返回请求副本，处理器对其的修改不影响其他观察者。
func (e *FetchEvent) Request() *fetch.Request {
	return e.request.Clone()
}

// ClientID 返回发起请求的客户端标识，可能为空。
func (e *FetchEvent) ClientID() string {
	return e.clientID
}

// RespondWith 接管该请求；未调用时网关直接透传到网络。
func (e *FetchEvent) RespondWith(fn Responder) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.responder != nil {
		return ErrAlreadyResponded
	}
	e.responder = fn
	return nil
}

func (e *FetchEvent) currentResponder() Responder {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.responder
}
