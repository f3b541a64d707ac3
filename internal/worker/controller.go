package worker

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/lavender-pwa/offline-gateway/internal/cache"
	"github.com/lavender-pwa/offline-gateway/internal/fetch"
	"github.com/lavender-pwa/offline-gateway/internal/logging"
	"github.com/lavender-pwa/offline-gateway/internal/metrics"
)

// Options 描述一个控制器版本所需的全部输入。
type Options struct {
	Names Names
	// Origin 是应用自身的源（scheme://host），用于判断同源并解析预缓存路径。
	Origin      *url.URL
	OfflinePath string
	// Precache 为已去重的路径列表（应用外壳 ∪ 构建注入）。
	Precache []string
	// RuntimeMaxEntries 大于 0 时限制运行时缓存条目数。
	RuntimeMaxEntries int
	SkipWaiting       bool

	Storage cache.Storage
	Fetcher fetch.Fetcher
	Logger  *logrus.Logger
	Metrics *metrics.Recorder
}

// Controller 是一个不可变的控制器版本，由 lifecycle.Registration 托管。
type Controller struct {
	names       Names
	origin      *url.URL
	offline     *fetch.Request
	precache    []*fetch.Request
	runtimeMax  int
	skipWaiting bool

	storage cache.Storage
	fetcher fetch.Fetcher
	logger  *logrus.Entry
	metrics *metrics.Recorder
}

// New 校验选项并构建控制器。
func New(opts Options) (*Controller, error) {
	if opts.Names.Prefix == "" || opts.Names.Version == "" {
		return nil, errors.New("cache prefix and version are required")
	}
	if opts.Origin == nil || !opts.Origin.IsAbs() || opts.Origin.Host == "" {
		return nil, errors.New("app origin must be an absolute URL")
	}
	if opts.Storage == nil || opts.Fetcher == nil {
		return nil, errors.New("storage and fetcher are required")
	}

	origin := &url.URL{Scheme: strings.ToLower(opts.Origin.Scheme), Host: strings.ToLower(opts.Origin.Host)}
	c := &Controller{
		names:       opts.Names,
		origin:      origin,
		runtimeMax:  opts.RuntimeMaxEntries,
		skipWaiting: opts.SkipWaiting,
		storage:     opts.Storage,
		fetcher:     opts.Fetcher,
		logger:      logging.Component(opts.Logger, "worker").WithField("version", opts.Names.Version),
		metrics:     opts.Metrics,
	}

	offlineListed := false
	for _, path := range opts.Precache {
		req, err := c.resolve(path)
		if err != nil {
			return nil, err
		}
		if path == opts.OfflinePath {
			offlineListed = true
		}
		c.precache = append(c.precache, req)
	}
	if !offlineListed {
		return nil, fmt.Errorf("offline document %q must be part of the precache list", opts.OfflinePath)
	}
	offline, err := c.resolve(opts.OfflinePath)
	if err != nil {
		return nil, err
	}
	c.offline = offline
	return c, nil
}

// Version 返回控制器版本标签。
func (c *Controller) Version() string {
	return c.names.Version
}

// Names 返回缓存命名方案。
func (c *Controller) Names() Names {
	return c.names
}

// Origin 返回应用源的副本。
func (c *Controller) Origin() *url.URL {
	u := *c.origin
	return &u
}

// PrecacheURLs 返回预缓存的绝对 URL 列表。
func (c *Controller) PrecacheURLs() []string {
	urls := make([]string, len(c.precache))
	for i, req := range c.precache {
		urls[i] = req.URL.String()
	}
	return urls
}

func (c *Controller) resolve(path string) (*fetch.Request, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("precache path must start with '/': %q", path)
	}
	ref, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("parse precache path %q: %w", path, err)
	}
	req, err := fetch.NewRequest(http.MethodGet, c.origin.ResolveReference(ref).String())
	if err != nil {
		return nil, err
	}
	req.Mode = fetch.ModeCORS
	return req, nil
}
