package agent

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"time"

	"github.com/any-hub/offline-hub/internal/cache"
)

var offlineTemplate = template.Must(template.New("offline").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<style>
body{margin:0;min-height:100vh;display:flex;align-items:center;justify-content:center;font-family:system-ui,-apple-system,sans-serif;background:#0f172a;color:#e2e8f0;text-align:center}
main{max-width:28rem;padding:2rem}
h1{font-size:1.75rem;margin-bottom:1rem}
p{line-height:1.6;color:#94a3b8}
button{margin-top:1.5rem;padding:.75rem 1.5rem;border:0;border-radius:.5rem;background:#6366f1;color:#fff;font-size:1rem;cursor:pointer}
</style>
</head>
<body>
<main>
<h1>{{.Heading}}</h1>
<p>{{.Message}}</p>
<button type="button" onclick="window.location.reload()">{{.RetryLabel}}</button>
</main>
</body>
</html>
`))

// RenderOfflineDocument 渲染离线页 HTML，不依赖网络。
func RenderOfflineDocument(text OfflineCopy) ([]byte, error) {
	var buf bytes.Buffer
	if err := offlineTemplate.Execute(&buf, text); err != nil {
		return nil, fmt.Errorf("render offline document: %w", err)
	}
	return buf.Bytes(), nil
}

func (a *Agent) offlineKey() string {
	return cache.RequestKey(http.MethodGet, &url.URL{Path: a.opts.OfflinePath})
}

func (a *Agent) newOfflineResponse() (*cache.Response, error) {
	body, err := RenderOfflineDocument(a.opts.Offline)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Content-Type", "text/html")
	return &cache.Response{
		Status:   http.StatusOK,
		Header:   header,
		Body:     body,
		Type:     cache.ResponseTypeBasic,
		URL:      a.opts.OfflinePath,
		StoredAt: time.Now().UTC(),
	}, nil
}

func (a *Agent) writeOfflineDocument(ctx context.Context, part cache.Partition) error {
	resp, err := a.newOfflineResponse()
	if err != nil {
		return err
	}
	return part.Put(ctx, a.offlineKey(), resp)
}

// OfflineDocument 返回离线分区中的离线页；条目缺失时重新渲染。
func (a *Agent) OfflineDocument(ctx context.Context) (*cache.Response, error) {
	if part := a.partitions().offline; part != nil {
		resp, err := part.Match(ctx, a.offlineKey())
		if err == nil {
			return resp, nil
		}
		a.logger.WithError(err).WithField("action", "offline_document").Debug("offline_document_rerendered")
	}
	return a.newOfflineResponse()
}
