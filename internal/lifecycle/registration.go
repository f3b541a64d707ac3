package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	perrors "github.com/jmgilman/go/errors"
	"github.com/sirupsen/logrus"

	"github.com/lavender-pwa/offline-gateway/internal/fetch"
	"github.com/lavender-pwa/offline-gateway/internal/logging"
	"github.com/lavender-pwa/offline-gateway/internal/metrics"
)

// State 是某个控制器版本在注册中的阶段。
type State string

const (
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// Worker 是 Registration 托管的控制器。
type Worker interface {
	Version() string
	OnInstall(evt *InstallEvent)
	OnActivate(evt *ActivateEvent)
	OnFetch(evt *FetchEvent)
}

// Options 控制安装重试与客户端存活判断。
type Options struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	ClientIdleTimeout time.Duration
	Logger            *logrus.Logger
	Metrics           *metrics.Recorder
}

// WorkerStatus 是某个版本的诊断快照。
type WorkerStatus struct {
	Version     string    `json:"version"`
	State       State     `json:"state"`
	SkipWaiting bool      `json:"skip_waiting"`
	InstalledAt time.Time `json:"installed_at,omitempty"`
	ActivatedAt time.Time `json:"activated_at,omitempty"`
}

// Status 是 Registration 的诊断快照。
type Status struct {
	Installing *WorkerStatus `json:"installing"`
	Active     *WorkerStatus `json:"active"`
	Waiting    *WorkerStatus `json:"waiting"`
	Clients    []Client      `json:"clients"`
}

type instance struct {
	worker      Worker
	version     string
	state       State
	skipWaiting bool
	installedAt time.Time
	activatedAt time.Time
	activated   chan struct{}
}

// Registration 驱动控制器的 install → waiting → activate → active 流程并分发 fetch 事件。
type Registration struct {
	opts    Options
	logger  *logrus.Entry
	metrics *metrics.Recorder
	clients *Clients

	installMu sync.Mutex

	mu         sync.Mutex
	installing *instance
	active     *instance
	waiting    *instance

	extended sync.WaitGroup
}

// NewRegistration 创建空的注册，尚无任何激活版本时所有请求透传。
func NewRegistration(opts Options) *Registration {
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &Registration{
		opts:    opts,
		logger:  logging.Component(opts.Logger, "lifecycle"),
		metrics: opts.Metrics,
		clients: NewClients(opts.ClientIdleTimeout),
	}
}

// Clients 返回客户端登记表。
func (r *Registration) Clients() *Clients {
	return r.clients
}

// Register 安装 worker；安装失败且可重试时按指数退避重试，最终失败的版本被丢弃，旧版本继续服务。
// 安装成功后，满足接管条件时立即激活，否则进入 waiting 等待后续分发时再检查。
func (r *Registration) Register(ctx context.Context, worker Worker) error {
	r.installMu.Lock()
	defer r.installMu.Unlock()

	inst := &instance{
		worker:    worker,
		version:   worker.Version(),
		state:     StateInstalling,
		activated: make(chan struct{}),
	}

	r.mu.Lock()
	r.installing = inst
	r.mu.Unlock()

	skip, err := r.install(ctx, inst)

	r.mu.Lock()
	r.installing = nil
	if err != nil {
		inst.state = StateRedundant
		r.mu.Unlock()
		return err
	}
	inst.state = StateInstalled
	inst.skipWaiting = skip
	inst.installedAt = time.Now().UTC()
	if r.waiting != nil {
		r.waiting.state = StateRedundant
	}
	r.waiting = inst
	r.mu.Unlock()

	r.maybeActivate(ctx)
	return nil
}

func (r *Registration) install(ctx context.Context, inst *instance) (bool, error) {
	backoff := r.opts.InitialBackoff
	for attempt := 0; ; attempt++ {
		started := time.Now()
		evt := &InstallEvent{ExtendableEvent: newExtendableEvent(ctx)}
		inst.worker.OnInstall(evt)
		err := evt.Wait()

		fields := logging.LifecycleFields("install", inst.version, time.Since(started))
		fields["attempt"] = attempt + 1
		if err == nil {
			r.metrics.ObserveInstall(metrics.InstallSucceeded)
			r.logger.WithFields(fields).Info("controller installed")
			return evt.skipsWaiting(), nil
		}

		if attempt >= r.opts.MaxRetries || !perrors.IsRetryable(err) {
			r.metrics.ObserveInstall(metrics.InstallFailed)
			r.logger.WithFields(fields).WithError(err).Error("controller install rejected")
			return false, err
		}

		r.metrics.ObserveInstall(metrics.InstallRetried)
		fields["backoff_ms"] = backoff.Milliseconds()
		r.logger.WithFields(fields).WithError(err).Warn("controller install failed, retrying")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, errors.Join(err, ctx.Err())
		case <-timer.C:
		}
		backoff *= 2
	}
}

// maybeActivate 在 waiting 版本满足接管条件时激活它。
func (r *Registration) maybeActivate(ctx context.Context) {
	r.mu.Lock()
	next := r.waiting
	if next == nil {
		r.mu.Unlock()
		return
	}
	prev := r.active
	ready := next.skipWaiting || prev == nil || r.clients.ControlledBy(prev.version) == 0
	if !ready {
		r.mu.Unlock()
		return
	}

	r.waiting = nil
	if prev != nil {
		prev.state = StateRedundant
	}
	next.state = StateActivating
	r.active = next
	r.mu.Unlock()

	r.activate(context.WithoutCancel(ctx), next)
}

func (r *Registration) activate(ctx context.Context, inst *instance) {
	defer close(inst.activated)

	started := time.Now()
	evt := &ActivateEvent{ExtendableEvent: newExtendableEvent(ctx)}
	inst.worker.OnActivate(evt)
	err := evt.Wait()

	fields := logging.LifecycleFields("activate", inst.version, time.Since(started))
	if err != nil {
		// 激活失败不回滚：新版本仍然接管，残留的旧缓存留待下次激活清理。
		r.logger.WithFields(fields).WithError(err).Warn("controller activate handler failed")
	}
	if evt.claims() {
		fields["claimed"] = r.clients.Claim(inst.version)
	}

	r.mu.Lock()
	inst.state = StateActivated
	inst.activatedAt = time.Now().UTC()
	r.mu.Unlock()

	r.metrics.ObserveActivation()
	r.logger.WithFields(fields).Info("controller activated")
}

// Dispatch 将请求作为 fetch 事件交给激活版本。handled 为 false 时调用方应直接访问网络；
// 返回的 error 表示控制器拒绝了这次 fetch。
func (r *Registration) Dispatch(ctx context.Context, req *fetch.Request, clientID string) (reply *Reply, handled bool, err error) {
	r.maybeActivate(ctx)

	r.mu.Lock()
	inst := r.active
	r.mu.Unlock()

	activeVersion := ""
	if inst != nil {
		activeVersion = inst.version
	}
	client := r.clients.Touch(clientID, activeVersion)
	if inst == nil {
		return nil, false, nil
	}

	select {
	case <-inst.activated:
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}

	evt := newFetchEvent(ctx, req, clientID)
	r.extended.Add(1)
	defer func() {
		go func() {
			defer r.extended.Done()
			if waitErr := evt.Wait(); waitErr != nil {
				r.logger.WithFields(logrus.Fields{
					"action":  "extended_work",
					"url":     req.URL.String(),
					"version": inst.version,
				}).WithError(waitErr).Debug("extended fetch work failed")
			}
		}()
	}()

	inst.worker.OnFetch(evt)
	responder := evt.currentResponder()
	if responder == nil {
		return nil, false, nil
	}
	if client.Controller != "" && client.Controller != inst.version {
		r.logger.WithFields(logrus.Fields{
			"action":     "dispatch",
			"client":     client.ID,
			"controller": client.Controller,
			"version":    inst.version,
		}).Debug("client still attached to previous controller")
	}

	reply, err = responder(ctx)
	if err != nil {
		return nil, true, err
	}
	if reply == nil || reply.Response == nil {
		return &Reply{Response: fetch.NetworkError()}, true, nil
	}
	return reply, true, nil
}

// Drain 等待所有 fetch 事件的延长任务结束，用于优雅退出。
func (r *Registration) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.extended.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveVersion 返回当前激活版本，尚未激活时为空。
func (r *Registration) ActiveVersion() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return ""
	}
	return r.active.version
}

// Status 返回诊断快照。
func (r *Registration) Status() Status {
	r.mu.Lock()
	status := Status{
		Installing: r.installing.snapshot(),
		Active:     r.active.snapshot(),
		Waiting:    r.waiting.snapshot(),
	}
	r.mu.Unlock()
	status.Clients = r.clients.Live()
	return status
}

func (i *instance) snapshot() *WorkerStatus {
	if i == nil {
		return nil
	}
	return &WorkerStatus{
		Version:     i.version,
		State:       i.state,
		SkipWaiting: i.skipWaiting,
		InstalledAt: i.installedAt,
		ActivatedAt: i.activatedAt,
	}
}
