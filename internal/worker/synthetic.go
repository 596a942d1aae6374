package worker

import "net/http"

// 离线兜底页面，保持最小但合法的 HTML。
const offlineDocument = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><meta name="viewport" content="width=device-width, initial-scale=1"><title>Offline</title></head>
<body><h1>Offline</h1><p>This page is not available offline yet.</p></body>
</html>
`

func serviceUnavailable() *Response {
	return syntheticStatus(http.StatusServiceUnavailable, OutcomeTotalFailure)
}

func badGateway() *Response {
	return syntheticStatus(http.StatusBadGateway, OutcomeTotalFailure)
}

func syntheticStatus(status int, outcome Outcome) *Response {
	return &Response{
		Status:  status,
		Header:  http.Header{"Cache-Control": []string{"no-store"}},
		Body:    nil,
		Outcome: outcome,
	}
}

func offlinePage() *Response {
	return &Response{
		Status: http.StatusOK,
		Header: http.Header{
			"Content-Type":  []string{"text/html; charset=utf-8"},
			"Cache-Control": []string{"no-store"},
		},
		Body:    []byte(offlineDocument),
		Outcome: OutcomeOfflineDocument,
	}
}
