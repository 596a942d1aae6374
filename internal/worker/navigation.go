package worker

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/shellgate/shellgate/internal/metrics"
)

type fetchResult struct {
	resp *Response
	err  error
}

// navigate 为网络优先、限时的导航策略。
//
// 网络请求与计时器赛跑：网络先返回且非 5xx 时直接使用（200 时同时刷新外壳文档）；
// 超时、网络错误或 5xx 时回退到缓存外壳，外壳也不存在时返回离线页面。
// 输掉比赛的网络请求不会被取消，之后成功时仍会刷新外壳。
func (r *Router) navigate(ctx context.Context, req *Request) *Response {
	fetchCtx := context.WithoutCancel(ctx)
	done := make(chan fetchResult, 1)

	go func() {
		resp, err := r.network.Fetch(fetchCtx, req)
		if err == nil && resp.Status == http.StatusOK && r.shellKey != "" {
			r.store200(fetchCtx, r.locator(r.shellKey), resp)
		}
		done <- fetchResult{resp: resp, err: err}
	}()

	select {
	case res := <-done:
		if res.err == nil && res.resp.Status < http.StatusInternalServerError {
			res.resp.Outcome = OutcomeNetwork
			return res.resp
		}
		fields := logrus.Fields{"action": "navigation_network_failed", "app": r.app, "key": RequestKey(req.URL)}
		if res.err != nil {
			r.logger.WithError(res.err).WithFields(fields).Warn("upstream_failed")
		} else {
			fields["status"] = res.resp.Status
			r.logger.WithFields(fields).Warn("upstream_server_error")
		}
	case <-r.after(r.navTimeout):
		metrics.NavigationTimeouts.WithLabelValues(r.app).Inc()
		r.logger.WithFields(logrus.Fields{
			"action":  "navigation_timeout",
			"app":     r.app,
			"key":     RequestKey(req.URL),
			"timeout": r.navTimeout.String(),
		}).Info("navigation_timeout")
	}

	return r.shellFallback(ctx)
}

func (r *Router) shellFallback(ctx context.Context) *Response {
	if r.shellKey != "" {
		if snap := r.lookup(ctx, r.locator(r.shellKey)); snap != nil {
			return fromSnapshot(snap, OutcomeShellFallback)
		}
	}
	return offlinePage()
}
