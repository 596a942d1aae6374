package worker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/shellgate/shellgate/internal/cache"
	"github.com/shellgate/shellgate/internal/metrics"
)

// 批量预缓存的并发上限。
const precacheConcurrency = 8

// PrecacheReport 汇总一次安装的预缓存结果。
type PrecacheReport struct {
	// Bulk 为 true 表示批量尝试一次性成功，未进入逐个回退。
	Bulk   bool              `json:"bulk"`
	Stored []string          `json:"stored"`
	Failed map[string]string `json:"failed,omitempty"`
}

type precacher struct {
	app     string
	origin  *url.URL
	network Network
	writer  cache.SnapshotWriter
	logger  *logrus.Logger
}

// run 先整体尝试（全部 200 才写入），失败后逐个回源写入，单个资源失败不会中断安装。
// ctx 结束时立即返回 ctx 的错误，调用方不应激活这次不完整的安装。
func (p *precacher) run(ctx context.Context, gen Generation, keys []string) (PrecacheReport, error) {
	err := p.bulk(ctx, gen, keys)
	if err == nil {
		metrics.PrecacheAssets.WithLabelValues(p.app, "stored").Add(float64(len(keys)))
		return PrecacheReport{Bulk: true, Stored: append([]string(nil), keys...)}, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return PrecacheReport{}, ctxErr
	}
	metrics.PrecacheBulkFallbacks.WithLabelValues(p.app).Inc()
	p.logger.WithError(err).
		WithFields(logrus.Fields{"action": "precache_bulk_failed", "app": p.app, "generation": gen.Name}).
		Warn("precache_bulk_failed")

	report := PrecacheReport{Failed: map[string]string{}}
	for _, key := range keys {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return report, ctxErr
		}
		p.store(ctx, gen, key, &report)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return report, ctxErr
	}
	return report, nil
}

// fill 只回源代际中缺失的资源，用于接管重启前已安装的代际。
func (p *precacher) fill(ctx context.Context, store cache.Store, gen Generation, keys []string) PrecacheReport {
	report := PrecacheReport{Failed: map[string]string{}}
	for _, key := range keys {
		if _, err := store.Get(ctx, p.locator(gen, key)); err == nil {
			report.Stored = append(report.Stored, key)
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			report.Failed[key] = ctxErr.Error()
			continue
		}
		p.store(ctx, gen, key, &report)
	}
	return report
}

func (p *precacher) store(ctx context.Context, gen Generation, key string, report *PrecacheReport) {
	if err := p.one(ctx, gen, key); err != nil {
		report.Failed[key] = err.Error()
		metrics.PrecacheAssets.WithLabelValues(p.app, "failed").Inc()
		p.logger.WithError(err).
			WithFields(logrus.Fields{"action": "precache_asset_failed", "app": p.app, "generation": gen.Name, "key": key}).
			Warn("precache_asset_failed")
		return
	}
	report.Stored = append(report.Stored, key)
	metrics.PrecacheAssets.WithLabelValues(p.app, "stored").Inc()
}

func (p *precacher) bulk(ctx context.Context, gen Generation, keys []string) error {
	responses := make([]*Response, len(keys))
	errs := make([]error, len(keys))
	sem := make(chan struct{}, precacheConcurrency)
	var wg sync.WaitGroup
	for i, key := range keys {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, key string) {
			defer wg.Done()
			defer func() { <-sem }()
			responses[i], errs[i] = p.fetch(ctx, key)
		}(i, key)
	}
	wg.Wait()

	for i, key := range keys {
		if errs[i] != nil {
			return fmt.Errorf("%s: %w", key, errs[i])
		}
	}
	for i, key := range keys {
		if err := p.writer.Put(ctx, p.locator(gen, key), responses[i].Status, responses[i].Header, responses[i].Body); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

func (p *precacher) one(ctx context.Context, gen Generation, key string) error {
	resp, err := p.fetch(ctx, key)
	if err != nil {
		return err
	}
	return p.writer.Put(ctx, p.locator(gen, key), resp.Status, resp.Header, resp.Body)
}

// fetch 使用 no-cache 指令回源，非 200 视为失败。
func (p *precacher) fetch(ctx context.Context, key string) (*Response, error) {
	target, err := p.origin.Parse(key)
	if err != nil {
		return nil, err
	}
	req := NewRequest(http.MethodGet, target, nil, nil)
	req.NoCache = true
	resp, err := p.network.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	if !cache.Storable(resp.Status) {
		return nil, fmt.Errorf("unexpected status %d", resp.Status)
	}
	return resp, nil
}

func (p *precacher) locator(gen Generation, key string) cache.Locator {
	return cache.Locator{Namespace: p.app, Generation: gen.Name, Key: key}
}
