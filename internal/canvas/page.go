package canvas

import (
	"fmt"
	"html/template"
	"strings"
)

// Page renders the minimal HTML shell for a session's canvas. The shell
// shows the current snapshot and subscribes to the session's canvas topic
// over /ws to render later pushes live.
func (b *Board) Page(session, wsToken string) string {
	var items strings.Builder
	for _, it := range b.Snapshot(session) {
		fmt.Fprintf(&items, "<div class=\"item\" data-id=\"%s\">%s</div>\n",
			template.HTMLEscapeString(it.ID), it.HTML)
	}
	var page strings.Builder
	if err := pageTemplate.Execute(&page, map[string]any{
		"Session": session,
		"Token":   wsToken,
		"Items":   template.HTML(items.String()),
	}); err != nil {
		return "<!doctype html><title>canvas</title><p>render error</p>"
	}
	return page.String()
}

var pageTemplate = template.Must(template.New("canvas").Parse(`<!doctype html>
<html>
<head>
<meta charset="utf-8">
<title>canvas — {{.Session}}</title>
<style>
body { font-family: system-ui, sans-serif; margin: 1rem; background: #111; color: #ddd; }
.item { border: 1px solid #333; border-radius: 6px; padding: .75rem; margin: .5rem 0; }
</style>
</head>
<body>
<div id="board">{{.Items}}</div>
<script>
(() => {
  const session = {{.Session}};
  const token = {{.Token}};
  const board = document.getElementById("board");
  const proto = location.protocol === "https:" ? "wss" : "ws";
  const ws = new WebSocket(proto + "://" + location.host + "/ws");
  ws.onopen = () => {
    ws.send(JSON.stringify({type: "auth", token: token}));
    ws.send(JSON.stringify({type: "subscribe", topics: ["instance:" + session + ":canvas"]}));
  };
  ws.onmessage = (raw) => {
    const msg = JSON.parse(raw.data);
    if (msg.type !== "event" || !msg.data) return;
    const ev = msg.data;
    if (ev.action === "push" && ev.item) {
      const div = document.createElement("div");
      div.className = "item";
      div.dataset.id = ev.item.id;
      div.innerHTML = ev.item.html;
      board.appendChild(div);
    } else if (ev.action === "remove" && ev.item) {
      const el = board.querySelector('[data-id="' + ev.item.id + '"]');
      if (el) el.remove();
    } else if (ev.action === "reset") {
      board.replaceChildren();
    }
  };
})();
</script>
</body>
</html>
`))
