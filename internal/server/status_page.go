package server

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/a-h/templ"
)

const statusStyles = `body{font-family:system-ui,sans-serif;margin:2rem;color:#1f2933}
table{border-collapse:collapse}td,th{padding:.25rem .75rem;text-align:left;border-bottom:1px solid #e4e7eb}
.state{display:inline-block;padding:.1rem .5rem;border-radius:.25rem;background:#e4e7eb}
.state-serving{background:#c6f7e2}.state-failed{background:#ffe3e3}
pre{background:#fff5f5;padding:1rem;white-space:pre-wrap}`

// statusPage renders the dev server dashboard. The status is read at render
// time so the page always shows the current build.
func statusPage(s *DevServer) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		st := s.Status()

		var b strings.Builder
		b.WriteString("<!DOCTYPE html><html lang=\"en\"><head><meta charset=\"utf-8\">")
		b.WriteString("<title>assetpipe dev server</title><style>" + statusStyles + "</style></head><body>")
		fmt.Fprintf(&b, "<h1>assetpipe <small>%s</small></h1>", templ.EscapeString(st.Version))
		fmt.Fprintf(&b, "<p>State: <span class=\"state state-%s\">%s</span> &middot; mode %s &middot; %d rebuilds &middot; %d clients</p>",
			st.State, st.State, templ.EscapeString(st.Mode), st.Rebuilds, st.Clients)

		if st.LastError != "" {
			fmt.Fprintf(&b, "<h2>Last error</h2><pre>%s</pre>", templ.EscapeString(st.LastError))
		}
		if st.BuildHash != "" {
			fmt.Fprintf(&b, "<p>Build <code>%s</code></p>", templ.EscapeString(st.BuildHash))
		}

		b.WriteString("<h2>Artifacts</h2><table><thead><tr><th>File</th></tr></thead><tbody>")
		for _, name := range st.Artifacts {
			href := s.cfg.PublicPath + name
			fmt.Fprintf(&b, "<tr><td><a href=\"%s\">%s</a></td></tr>", templ.EscapeString(href), templ.EscapeString(name))
		}
		b.WriteString("</tbody></table>")

		if m := st.Metrics; m != nil {
			b.WriteString("<h2>Builds</h2><table><tbody>")
			fmt.Fprintf(&b, "<tr><th>Total</th><td>%d</td></tr>", m.TotalBuilds)
			fmt.Fprintf(&b, "<tr><th>Failed</th><td>%d</td></tr>", m.FailedBuilds)
			fmt.Fprintf(&b, "<tr><th>Last duration</th><td>%s</td></tr>", m.LastDuration.Round(time.Millisecond))
			fmt.Fprintf(&b, "<tr><th>Cache hit rate</th><td>%.0f%%</td></tr>", m.CacheHitRate())
			b.WriteString("</tbody></table>")
		}
		b.WriteString("</body></html>")

		_, err := io.WriteString(w, b.String())

		return err
	})
}
