// Package collyfetch implements the page fetcher on gocolly.
package collyfetch

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/zhoudan/ecomspider/internal/spider"
)

// Config controls collector behavior.
type Config struct {
	Timeout time.Duration
}

// Fetcher is a spider.Fetcher using the Colly collector. One Fetcher is
// shared by all workers; each request clones the base collector so borrowed
// identity headers and proxies never leak between requests.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	c := colly.NewCollector(colly.Async(false), colly.IgnoreRobotsTxt())
	c.WithTransport(newHTTPTransport(""))
	return &Fetcher{cfg: cfg, baseCollector: c}
}

// Fetch executes a single HTTP GET with the request's identity headers and
// egress proxy.
func (f *Fetcher) Fetch(ctx context.Context, request spider.FetchRequest) (spider.FetchOutcome, error) {
	var (
		outcome  spider.FetchOutcome
		fetchErr error
	)
	start := time.Now()

	collector := f.baseCollector.Clone()
	if ua := request.Headers.Get("User-Agent"); ua != "" {
		collector.UserAgent = ua
	}
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)
	collector.WithTransport(newHTTPTransport(request.ProxyURL))

	collector.OnRequest(func(r *colly.Request) {
		for key, values := range request.Headers {
			if key == "User-Agent" {
				continue
			}
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})

	collector.OnResponse(func(r *colly.Response) {
		outcome = spider.FetchOutcome{
			Task:       request.Task,
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Elapsed:    time.Since(start),
		}
	})

	collector.OnError(func(r *colly.Response, err error) {
		// Block-indicating statuses arrive here; keep the response so the
		// detector can classify it.
		if r != nil && r.StatusCode != 0 {
			outcome = spider.FetchOutcome{
				Task:       request.Task,
				URL:        request.URL,
				StatusCode: r.StatusCode,
				Body:       append([]byte(nil), r.Body...),
				Elapsed:    time.Since(start),
			}
			return
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(request.URL)
	}()

	select {
	case <-ctx.Done():
		return spider.FetchOutcome{}, fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if fetchErr != nil {
			return spider.FetchOutcome{}, fmt.Errorf("fetch %s: %w", request.URL, fetchErr)
		}
		if outcome.StatusCode == 0 && err != nil {
			return spider.FetchOutcome{}, fmt.Errorf("fetch %s: %w", request.URL, err)
		}
		return outcome, nil
	}
}

func newHTTPTransport(proxyURL string) *http.Transport {
	t := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
	if proxyURL != "" {
		if parsed, err := url.Parse(proxyURL); err == nil {
			t.Proxy = http.ProxyURL(parsed)
		}
	}
	return t
}
