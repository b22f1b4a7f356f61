package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/a-h/templ"
	"github.com/go-chi/chi/v5"
)

// viewerScript loads the bundle, shows diagnostics when the build fails,
// reloads on change events and maps alt+click targets back to source.
const viewerScript = `
(function () {
  var cfg = JSON.parse(document.getElementById("workbench-config").textContent);
  var overlay = document.getElementById("workbench-overlay");

  function show(text) {
    overlay.textContent = text;
    overlay.hidden = !text;
  }

  function load() {
    fetch(cfg.bundle, { cache: "no-store" }).then(function (res) {
      if (res.ok) {
        return res.text().then(function (code) {
          show("");
          var root = document.getElementById("root");
          root.replaceChildren();
          var script = document.createElement("script");
          script.textContent = code;
          document.body.appendChild(script);
          script.remove();
        });
      }
      return res.json().then(function (body) {
        var lines = [body.error];
        (body.diagnostics || []).forEach(function (d) {
          lines.push(d.file + ":" + d.line + ":" + d.column + " " + d.message);
        });
        show(lines.join("\n"));
      });
    }).catch(function (err) { show(String(err)); });
  }

  function listen() {
    var proto = location.protocol === "https:" ? "wss:" : "ws:";
    var ws = new WebSocket(proto + "//" + location.host + cfg.events);
    var pending;
    ws.onmessage = function () {
      clearTimeout(pending);
      pending = setTimeout(load, 100);
    };
    ws.onclose = function () { setTimeout(listen, 1000); };
  }

  document.addEventListener("click", function (e) {
    if (!e.altKey || !(e.target instanceof Element)) return;
    e.preventDefault();
    fetch(cfg.locate, {
      method: "POST",
      headers: { "Content-Type": "application/json" },
      body: JSON.stringify({ html: e.target.outerHTML })
    }).then(function (res) { return res.json(); }).then(function (body) {
      var best = (body.results || [])[0];
      if (!best) { show("No source found"); return; }
      var m = best.matches[0];
      show(best.file + ":" + m.line + ":" + m.column + "\n" + m.line_text);
      setTimeout(function () { show(""); }, 4000);
    });
  }, true);

  load();
  listen();
})();
`

const viewerStyle = `
body { margin: 0; font-family: system-ui, -apple-system, sans-serif; }
#workbench-overlay {
  position: fixed; left: 0; right: 0; bottom: 0; margin: 0; padding: 12px 16px;
  max-height: 40vh; overflow: auto; white-space: pre-wrap;
  background: #1e1e1e; color: #f48771; font: 13px/1.4 ui-monospace, monospace;
}
`

type viewerConfig struct {
	SessionID string `json:"session_id"`
	Bundle    string `json:"bundle"`
	Events    string `json:"events"`
	Locate    string `json:"locate"`
}

// viewerPage renders the document that runs a session's bundle. React and
// ReactDOM are loaded as globals for the sandbox mocks to pick up.
func viewerPage(cfg viewerConfig) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		data, err := json.Marshal(cfg)
		if err != nil {
			return err
		}

		var b strings.Builder
		b.WriteString(`<!DOCTYPE html><html lang="en"><head><meta charset="utf-8">`)
		b.WriteString(`<meta name="viewport" content="width=device-width, initial-scale=1">`)
		b.WriteString(`<title>` + templ.EscapeString(cfg.SessionID) + ` - workbench</title>`)
		b.WriteString(`<style>` + viewerStyle + `</style>`)
		b.WriteString(`<script crossorigin src="https://unpkg.com/react@18/umd/react.development.js"></script>`)
		b.WriteString(`<script crossorigin src="https://unpkg.com/react-dom@18/umd/react-dom.development.js"></script>`)
		b.WriteString(`</head><body><div id="root"></div>`)
		b.WriteString(`<pre id="workbench-overlay" hidden></pre>`)
		b.WriteString(`<script type="application/json" id="workbench-config">` + string(data) + `</script>`)
		b.WriteString(`<script>` + viewerScript + `</script>`)
		b.WriteString(`</body></html>`)

		_, err = io.WriteString(w, b.String())
		return err
	})
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.sessions.Get(id); err != nil {
		s.writeError(w, r, err)
		return
	}

	base := "/api/sessions/" + url.PathEscape(id)
	page := viewerPage(viewerConfig{
		SessionID: id,
		Bundle:    base + "/bundle",
		Events:    base + "/events",
		Locate:    base + "/locate",
	})

	templ.Handler(page).ServeHTTP(w, r)
}
