package http

import (
	"encoding/base64"
	"html/template"
	"net/http"
	"time"

	"github.com/imgrelay/imgrelay/app"
	"github.com/imgrelay/imgrelay/pkg/bytefmt"
)

// viewerTmpl wraps a cached image in a small debug page showing its
// metadata. Served for ?view=true instead of the raw bytes.
var viewerTmpl = template.Must(template.New("viewer").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.CacheKey}}</title>
<style>
body { font-family: sans-serif; margin: 2rem; background: #f5f5f5; }
.card { background: #fff; border-radius: 8px; padding: 1.5rem; max-width: 860px; box-shadow: 0 1px 3px rgba(0,0,0,.15); }
img { max-width: 100%; border: 1px solid #ddd; border-radius: 4px; }
table { border-collapse: collapse; margin-top: 1rem; font-size: .9rem; }
td { padding: .25rem .75rem .25rem 0; color: #333; }
td:first-child { color: #888; }
</style>
</head>
<body>
<div class="card">
<img src="data:{{.ContentType}};base64,{{.Data}}" alt="{{.CacheKey}}">
<table>
<tr><td>Cache key</td><td>{{.CacheKey}}</td></tr>
<tr><td>Source</td><td>{{.SourceURL}}</td></tr>
<tr><td>Content type</td><td>{{.ContentType}}</td></tr>
<tr><td>Size</td><td>{{.Size}}</td></tr>
<tr><td>ETag</td><td>{{.ETag}}</td></tr>
<tr><td>Cache status</td><td>{{.CacheStatus}}</td></tr>
<tr><td>Cached at</td><td>{{.CachedAt}}</td></tr>
</table>
</div>
</body>
</html>
`))

type viewerData struct {
	CacheKey    string
	SourceURL   string
	ContentType string
	Size        string
	ETag        string
	CacheStatus string
	CachedAt    string
	Data        string
}

// writeViewer renders the debug HTML page for a served image.
func (h *ImageHandler) writeViewer(w http.ResponseWriter, r *http.Request, result app.Result) {
	data := viewerData{
		CacheKey:    result.CacheKey,
		SourceURL:   result.SourceURL,
		ContentType: result.ContentType,
		Size:        bytefmt.Format(int64(len(result.Body))),
		ETag:        result.ETag,
		CacheStatus: result.CacheStatus,
		Data:        base64.StdEncoding.EncodeToString(result.Body),
	}
	if !result.CachedAt.IsZero() {
		data.CachedAt = result.CachedAt.UTC().Format(time.RFC3339)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if err := viewerTmpl.Execute(w, data); err != nil {
		h.logger.Error().Err(err).Msg("viewer render failed")
	}
}
