package builtin

import (
	"context"
	"strings"

	"github.com/conneroisu/assetpipe/internal/config"
	"github.com/conneroisu/assetpipe/internal/emit"
	"github.com/conneroisu/assetpipe/internal/plugins"
)

const (
	// DefaultHMRFilename is where the hot update client is written.
	DefaultHMRFilename = "static/js/hmr-client.js"
	// DefaultHMRPath is the dev server's notification endpoint.
	DefaultHMRPath = "/__assetpipe/ws"
	// HMRArtifactName is the logical name of the client artifact.
	HMRArtifactName = "hmr-client"
)

// hmrClient connects to the dev server and reloads the tags of updated
// chunks. Pushing a script chunk again makes the runtime replace its
// modules and re-run its entries.
const hmrClient = `(function () {
  var endpoint = (location.protocol === "https:" ? "wss://" : "ws://") + location.host + "__PATH__";
  var overlay = null;
  function clearOverlay() {
    if (overlay) {
      overlay.parentNode.removeChild(overlay);
      overlay = null;
    }
  }
  function showOverlay(message) {
    clearOverlay();
    overlay = document.createElement("pre");
    overlay.setAttribute("data-assetpipe-overlay", "");
    overlay.style.cssText = "position:fixed;inset:0;margin:0;padding:24px;z-index:2147483647;" +
      "background:rgba(20,0,0,.92);color:#ffb3b3;font:13px/1.5 monospace;white-space:pre-wrap;overflow:auto";
    overlay.textContent = message;
    document.body.appendChild(overlay);
  }
  function refresh(chunk) {
    var stamp = "t=" + Date.now();
    var links = document.querySelectorAll('link[data-chunk="' + chunk + '"]');
    for (var i = 0; i < links.length; i++) {
      var link = links[i].cloneNode();
      link.href = links[i].href.split("?")[0] + "?" + stamp;
      links[i].parentNode.replaceChild(link, links[i]);
    }
    var scripts = document.querySelectorAll('script[data-chunk="' + chunk + '"]');
    for (var j = 0; j < scripts.length; j++) {
      var script = document.createElement("script");
      script.src = scripts[j].src.split("?")[0] + "?" + stamp;
      script.setAttribute("data-chunk", chunk);
      scripts[j].parentNode.replaceChild(script, scripts[j]);
    }
  }
  function connect() {
    var socket = new WebSocket(endpoint);
    socket.onmessage = function (event) {
      var msg = JSON.parse(event.data);
      if (msg.type === "update") {
        clearOverlay();
        (msg.chunks || []).forEach(refresh);
      } else if (msg.type === "error") {
        showOverlay(msg.message || "build failed");
      }
    };
    socket.onclose = function () {
      setTimeout(connect, 1000);
    };
  }
  connect();
})();
`

// HMRPlugin appends the hot update client in development builds.
type HMRPlugin struct {
	filename string
	path     string
}

// NewHMRPlugin creates the plugin. Options: filename, path.
func NewHMRPlugin(opts config.Options) (plugins.Plugin, error) {
	return &HMRPlugin{
		filename: opts.String("filename", DefaultHMRFilename),
		path:     opts.String("path", DefaultHMRPath),
	}, nil
}

func (p *HMRPlugin) Name() string { return "hmr" }

func (p *HMRPlugin) Points() []plugins.Point {
	return []plugins.Point{plugins.PointPostOptimize}
}

// Apply does nothing outside development mode.
func (p *HMRPlugin) Apply(_ context.Context, _ plugins.Point, hc *plugins.HookContext) error {
	if !hc.Development() {
		return nil
	}

	content := []byte(strings.Replace(hmrClient, "__PATH__", p.path, 1))

	return hc.Emit(emit.NewArtifact(HMRArtifactName, emit.KindScript, p.filename, content))
}
