package main

import (
	"fmt"
	"html"
	"html/template"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/portal-moo/proto"
)

// backlogLimit caps the history snapshot pushed to a fresh login.
const backlogLimit = 100

// world is the in-memory hub: connected players, the chat history
// served as Backlog snapshots, and the saved world code files.
type world struct {
	mu      sync.RWMutex
	rows    []proto.ChatRow
	code    map[string]string
	players map[*player]struct{}
	store   *worldStore
	wg      sync.WaitGroup
}

// player is one logged-in websocket connection.
type player struct {
	mu   sync.Mutex
	conn *websocket.Conn
	name string
}

// push writes one server message to this player. Write errors are
// ignored here; the read loop notices the dead connection.
func (p *player) push(m proto.Inbound) {
	data, err := proto.MarshalInbound(m)
	if err != nil {
		log.Error().Err(err).Msg("[moo] encode push")
		return
	}
	p.mu.Lock()
	_ = p.conn.WriteMessage(websocket.TextMessage, data)
	p.mu.Unlock()
}

func newWorld() *world {
	return &world{
		code:    map[string]string{},
		players: map[*player]struct{}{},
		rows:    make([]proto.ChatRow, 0, 64),
	}
}

func textRow(text string) proto.ChatRow {
	return proto.ChatRow{ID: uuid.NewString(), Text: text}
}

func htmlRow(markup string) proto.ChatRow {
	return proto.ChatRow{ID: uuid.NewString(), HTML: markup}
}

// broadcast appends a row to the history and pushes it to everyone.
func (w *world) broadcast(row proto.ChatRow) {
	w.mu.Lock()
	w.rows = append(w.rows, row)
	if len(w.rows) > backlogLimit {
		w.rows = w.rows[len(w.rows)-backlogLimit:]
	}
	targets := make([]*player, 0, len(w.players))
	for p := range w.players {
		targets = append(targets, p)
	}
	w.mu.Unlock()
	if w.store != nil {
		if err := w.store.AppendRow(row); err != nil {
			log.Debug().Err(err).Msg("persist row")
		}
	}
	for _, p := range targets {
		p.push(proto.Tell{Content: row})
	}
}

func (w *world) backlog() []proto.ChatRow {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]proto.ChatRow(nil), w.rows...)
}

func (w *world) roster() []string {
	w.mu.RLock()
	names := make([]string, 0, len(w.players))
	for p := range w.players {
		names = append(names, p.name)
	}
	w.mu.RUnlock()
	sort.Strings(names)
	return names
}

// attachStore connects a persistent store to the world.
func (w *world) attachStore(s *worldStore) {
	w.mu.Lock()
	w.store = s
	w.mu.Unlock()
}

// bootstrap preloads history into the in-memory buffer.
func (w *world) bootstrap(rows []proto.ChatRow) {
	w.mu.Lock()
	w.rows = append(w.rows, rows...)
	w.mu.Unlock()
}

// loadCode replaces the in-memory world code files.
func (w *world) loadCode(files map[string]string) {
	w.mu.Lock()
	w.code = files
	w.mu.Unlock()
}

// closeAll force-closes all active connections (used during shutdown).
func (w *world) closeAll() {
	w.mu.Lock()
	targets := make([]*player, 0, len(w.players))
	for p := range w.players {
		targets = append(targets, p)
	}
	w.mu.Unlock()
	for _, p := range targets {
		p.mu.Lock()
		_ = p.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"))
		p.mu.Unlock()
	}
}

// wait blocks until all websocket handler goroutines have finished.
func (w *world) wait() {
	w.wg.Wait()
}

func handleSocket(rw http.ResponseWriter, r *http.Request, w *world) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(rw, r, nil)
	if err != nil {
		return
	}
	p := &player{conn: conn}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer conn.Close()
		// Login must be the first accepted frame of every connection;
		// the server keeps no identity across physical connections.
		if !awaitLogin(p) {
			return
		}
		w.mu.Lock()
		w.players[p] = struct{}{}
		w.mu.Unlock()
		p.push(proto.Backlog{History: w.backlog()})
		w.broadcast(textRow(p.name + " appears."))
		defer func() {
			w.mu.Lock()
			delete(w.players, p)
			w.mu.Unlock()
			w.broadcast(textRow(p.name + " fades away."))
		}()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg, err := proto.UnmarshalOutbound(data)
			if err != nil {
				log.Warn().Err(err).Str("player", p.name).Msg("[moo] dropping bad frame")
				p.push(proto.Log{Level: "error", Message: err.Error()})
				continue
			}
			switch m := msg.(type) {
			case proto.Login:
				rename(p, w, m.Username)
			case proto.Command:
				runCommand(p, w, m)
			case proto.SaveFile:
				saveFile(p, w, m)
			case proto.ReloadCode:
				reloadCode(p, w)
			}
		}
	}()
}

// awaitLogin reads frames until a Login arrives, answering anything
// else with an error Log. Returns false if the connection died first.
func awaitLogin(p *player) bool {
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			return false
		}
		msg, err := proto.UnmarshalOutbound(data)
		if err != nil {
			p.push(proto.Log{Level: "error", Message: err.Error()})
			continue
		}
		login, ok := msg.(proto.Login)
		if !ok {
			p.push(proto.Log{Level: "error", Message: "login required before anything else"})
			continue
		}
		name := strings.TrimSpace(login.Username)
		if name == "" {
			name = "anon"
		}
		p.name = name
		log.Info().Str("player", name).Msg("[moo] login")
		return true
	}
}

func rename(p *player, w *world, name string) {
	name = strings.TrimSpace(name)
	if name == "" || name == p.name {
		return
	}
	old := p.name
	w.mu.Lock()
	p.name = name
	w.mu.Unlock()
	w.broadcast(textRow(old + " is now known as " + name + "."))
}

func runCommand(p *player, w *world, cmd proto.Command) {
	text := strings.TrimSpace(cmd.Text)
	if text == "" {
		return
	}
	verb, rest := text, ""
	if i := strings.IndexByte(text, ' '); i >= 0 {
		verb, rest = text[:i], strings.TrimSpace(text[i+1:])
	}
	switch verb {
	case "look":
		names := w.roster()
		escaped := make([]string, len(names))
		for i, n := range names {
			escaped[i] = html.EscapeString(n)
		}
		p.push(proto.Tell{Content: htmlRow("<b>Here:</b> " + strings.Join(escaped, ", "))})
	case "edit":
		if rest == "" {
			p.push(proto.Log{Level: "error", Message: "edit: file name required"})
			return
		}
		w.mu.RLock()
		content := w.code[rest]
		w.mu.RUnlock()
		p.push(proto.EditFile{Name: rest, Content: content})
	case "say":
		if rest == "" {
			return
		}
		w.broadcast(textRow(p.name + ": " + rest))
	default:
		if strings.HasPrefix(verb, "/") {
			p.push(proto.Log{Level: "error", Message: fmt.Sprintf("unknown command %q", verb)})
			return
		}
		// Bare text is speech.
		w.broadcast(textRow(p.name + ": " + text))
	}
}

func saveFile(p *player, w *world, m proto.SaveFile) {
	name := strings.TrimSpace(m.Name)
	if name == "" {
		p.push(proto.Log{Level: "error", Message: "save: file name required"})
		return
	}
	w.mu.Lock()
	w.code[name] = m.Content
	store := w.store
	w.mu.Unlock()
	if store != nil {
		if err := store.SaveCode(name, m.Content); err != nil {
			log.Warn().Err(err).Str("file", name).Msg("[moo] persist code")
			p.push(proto.Log{Level: "error", Message: "save failed: " + err.Error()})
			return
		}
	}
	log.Info().Str("player", p.name).Str("file", name).Msg("[moo] code saved")
	p.push(proto.Log{Level: "info", Message: "saved " + name})
}

func reloadCode(p *player, w *world) {
	w.mu.Lock()
	store := w.store
	w.mu.Unlock()
	count := 0
	if store != nil {
		files, err := store.LoadCode()
		if err != nil {
			p.push(proto.Log{Level: "error", Message: "reload failed: " + err.Error()})
			return
		}
		w.loadCode(files)
		count = len(files)
	} else {
		w.mu.RLock()
		count = len(w.code)
		w.mu.RUnlock()
	}
	log.Info().Str("player", p.name).Int("files", count).Msg("[moo] code reloaded")
	p.push(proto.Log{Level: "info", Message: fmt.Sprintf("reloaded %d files", count)})
}

func serveIndex(w http.ResponseWriter, r *http.Request, name string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = indexTmpl.Execute(w, struct{ Name string }{Name: name})
}

// NewHandler builds the world HTTP router (UI + websocket).
func NewHandler(name string, wld *world) http.Handler {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, req *http.Request) { serveIndex(w, req, name) })
	r.Get("/api/socket", func(w http.ResponseWriter, req *http.Request) { handleSocket(w, req, wld) })
	return r
}

var indexTmpl = template.Must(template.New("moo").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>{{.Name}}</title>
  <style>
    :root{ --bg:#0d1117; --panel:#111827; --border:#1f2937; --fg:#e5e7eb; --muted:#9ca3af; --accent:#22c55e }
    *{ box-sizing:border-box }
    body{ margin:0; padding:24px; background:var(--bg); color:var(--fg); font-family: ui-sans-serif, system-ui, -apple-system, Segoe UI, Roboto, Helvetica, Arial }
    .wrap{ max-width:920px; margin:0 auto }
    h1{ margin:0 0 12px 0; font-weight:700 }
    .term{ border:1px solid var(--border); border-radius:10px; background:var(--panel); overflow:hidden }
    .screen{ height:420px; overflow:auto; padding:14px; font-family: ui-monospace, SFMono-Regular, Menlo, Consolas, monospace; font-size:14px; line-height:1.5 }
    .line{ white-space:pre-wrap; word-break:break-word }
    .promptline{ display:flex; align-items:center; gap:8px; padding:12px 14px; border-top:1px solid var(--border); font-family: ui-monospace, Menlo, Consolas, monospace }
    #prompt{ color:var(--accent) }
    #cmd{ flex:1 1 auto; min-width:0; background:transparent; border:none; outline:none; color:var(--fg); font:inherit; font-size:14px }
    #editor{ display:none; border:1px solid var(--border); border-radius:10px; background:var(--panel); margin-top:12px; padding:12px }
    #editor textarea{ width:100%; height:220px; background:var(--bg); color:var(--fg); border:1px solid var(--border); border-radius:6px; font-family: ui-monospace, Menlo, Consolas, monospace; font-size:13px; padding:8px }
    #editor .bar{ display:flex; justify-content:space-between; align-items:center; margin-bottom:8px }
    #editor button{ background:transparent; border:1px solid var(--border); color:var(--fg); padding:6px 10px; border-radius:6px; cursor:pointer }
    #status{ color:var(--muted); font-size:12px; margin-top:10px; display:block }
  </style>
</head>
<body>
  <div class="wrap">
    <h1>{{.Name}}</h1>
    <div class="term">
      <div id="log" class="screen"></div>
      <div class="promptline">
        <span id="prompt">&gt;</span>
        <input id="cmd" type="text" autocomplete="off" spellcheck="false" placeholder="say something, or: look / edit <file>" enterkeyhint="send" />
      </div>
    </div>
    <div id="editor">
      <div class="bar"><span id="edname"></span><span><button id="save">save</button> <button id="closeed">close</button></span></div>
      <textarea id="edbody" spellcheck="false"></textarea>
    </div>
    <small id="status">connecting&hellip;</small>
  </div>
  <script>
    const logEl = document.getElementById('log');
    const cmd = document.getElementById('cmd');
    const statusEl = document.getElementById('status');
    const editor = document.getElementById('editor');
    const edname = document.getElementById('edname');
    const edbody = document.getElementById('edbody');

    let username = null;
    try{ username = localStorage.getItem('moo.user'); }catch(_){ }
    if(!username){
      username = 'guest-' + Math.floor(1000 + Math.random()*9000);
      try{ localStorage.setItem('moo.user', username); }catch(_){ }
    }
    let lastCommand = '';

    function escapeHTML(s){
      return s.replace(/[&<>\"]/g, c => ({'&':'&amp;','<':'&lt;','>':'&gt;','\"':'&quot;'}[c]));
    }
    function renderRow(row){
      const div = document.createElement('div');
      div.className = 'line';
      div.dataset.id = row.id || '';
      if (row.html) { div.innerHTML = row.html; } else { div.textContent = row.text || ''; }
      return div;
    }
    function appendRow(row){
      logEl.appendChild(renderRow(row));
      logEl.scrollTop = logEl.scrollHeight;
    }
    function replaceRows(rows){
      logEl.replaceChildren();
      for (const r of (rows || [])) logEl.appendChild(renderRow(r));
      logEl.scrollTop = logEl.scrollHeight;
    }

    // Resilient channel: one socket at a time, exponential backoff,
    // outbound queue flushed behind the Login handshake.
    let sock = null;
    let reconnectDelay = 2000;
    const maxReconnectDelay = 60000;
    const sendQueue = [];

    function wsURL(){
      const p = location.protocol === 'https:' ? 'wss' : 'ws';
      return p + '://' + location.host + '/api/socket';
    }
    function flushQueue(){
      while (sock && sock.readyState === 1 && sendQueue.length) {
        try { sock.send(sendQueue.shift()); } catch { break; }
      }
    }
    function send(msg){
      const frame = JSON.stringify(msg);
      if (sock && sock.readyState === 1) { try { sock.send(frame); return; } catch(_){} }
      sendQueue.push(frame);
    }
    function connect(){
      sock = new WebSocket(wsURL());
      sock.onopen = () => {
        reconnectDelay = 2000;
        statusEl.textContent = 'connected as ' + username;
        sock.send(JSON.stringify({ type:'Login', username }));
        flushQueue();
      };
      sock.onclose = () => {
        statusEl.textContent = 'disconnected; retrying…';
        setTimeout(connect, reconnectDelay);
        reconnectDelay = Math.min(reconnectDelay * 2, maxReconnectDelay);
      };
      sock.onerror = () => { try{ sock.close(); }catch(_){} };
      sock.onmessage = (ev) => {
        let m; try{ m = JSON.parse(ev.data); }catch(_){ return; }
        switch(m.type){
          case 'Tell': appendRow(m.content || {}); break;
          case 'Backlog': replaceRows(m.history); break;
          case 'Log': console[m.level === 'error' ? 'error' : 'log']('[server] ' + (m.message||'')); break;
          case 'EditFile':
            edname.textContent = m.name || '';
            edbody.value = m.content || '';
            editor.style.display = 'block';
            break;
        }
      };
    }
    connect();

    cmd.addEventListener('keydown', e => {
      if (e.isComposing || e.keyCode === 229) return;
      if (e.key === 'ArrowUp' && cmd.value === '') { cmd.value = lastCommand; e.preventDefault(); return; }
      if (e.key !== 'Enter') return;
      e.preventDefault();
      const text = cmd.value.trim();
      if (!text) return;
      lastCommand = text;
      send({ type:'Command', text });
      cmd.value = '';
    });
    document.getElementById('save').addEventListener('click', () => {
      send({ type:'SaveFile', name: edname.textContent, content: edbody.value });
    });
    document.getElementById('closeed').addEventListener('click', () => {
      editor.style.display = 'none';
      edname.textContent = '';
      edbody.value = '';
    });
    setTimeout(()=>cmd.focus(), 0);
  </script>
</body>
</html>`))
