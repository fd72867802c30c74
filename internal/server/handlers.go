// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, and the built-in chat page.
package server

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// WebSocketHandler upgrades GET requests on an allowed origin and hands the
// new client to the hub.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.String("addr", r.RemoteAddr), zap.Error(err))
		return
	}

	client := NewClient(conn, s.hub, r.RemoteAddr, s.cfg.MaxMessageSize, s.cfg.SendBufferSize)

	select {
	case s.hub.register <- client:
	case <-s.hub.ctx.Done():
		_ = conn.Close()
	}
}

// HealthHandler is the liveness probe: 200 while the backplane answers and the
// subscription is live, 503 with the reason otherwise.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthTimeout)
	defer cancel()

	// The healthy body names the backplane in use, e.g. {"redis":"connected"}.
	status := http.StatusOK
	resp := map[string]string{"status": "healthy", string(s.cfg.Backplane): "connected"}
	if s.health != nil {
		if err := s.health.Check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			resp = map[string]string{"status": "unhealthy", "error": err.Error()}
			s.log.Warn("health check failed", zap.Error(err))
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Warn("writing health response", zap.Error(err))
	}
}

// ChatPageHandler serves a minimal browser client for the relay.
func (s *Server) ChatPageHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write([]byte(chatPage)); err != nil {
		s.log.Warn("writing chat page", zap.Error(err))
	}
}

const chatPage = `<!DOCTYPE html>
<html>
<head>
    <title>Room Relay</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
        }
        input[type="text"] { width: 200px; padding: 5px; margin-right: 10px; }
        button {
            padding: 5px 15px;
            background-color: #007cba;
            color: white;
            border: none;
            cursor: pointer;
        }
        button:hover { background-color: #005a87; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
        #typing { color: #888; font-style: italic; min-height: 1.2em; }
    </style>
</head>
<body>
    <h1>Room Relay</h1>

    <div id="status" class="status disconnected">Disconnected</div>
    <div>Online: <span id="count">0</span></div>

    <div>
        <input type="text" id="username" placeholder="Username">
        <input type="text" id="room" placeholder="Room" value="general">
        <button id="joinButton" onclick="join()" disabled>Join</button>
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>

    <div id="messages"></div>
    <div id="typing"></div>

    <div>
        <input type="text" id="messageInput" placeholder="Type a message..." disabled>
        <button id="sendButton" onclick="sendMessage()" disabled>Send</button>
    </div>

    <script>
        let ws = null;
        let typingTimer = null;
        const el = (id) => document.getElementById(id);

        function addLine(text, color) {
            const line = document.createElement('div');
            line.style.margin = '5px 0';
            line.style.color = color || 'gray';
            line.textContent = text;
            el('messages').appendChild(line);
            el('messages').scrollTop = el('messages').scrollHeight;
        }

        function emit(event, data) {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify({event: event, data: data}));
            }
        }

        function updateStatus(connected) {
            el('status').textContent = connected ? 'Connected' : 'Disconnected';
            el('status').className = 'status ' + (connected ? 'connected' : 'disconnected');
            el('joinButton').disabled = !connected;
            el('messageInput').disabled = !connected;
            el('sendButton').disabled = !connected;
            el('connectButton').textContent = connected ? 'Disconnect' : 'Connect';
        }

        function handle(frame) {
            const d = frame.data || {};
            switch (frame.event) {
            case 'system_message': addLine(d.msg); break;
            case 'user_joined': addLine(d.username + ' joined ' + d.room); break;
            case 'user_left': addLine(d.username + ' left'); break;
            case 'user_count': el('count').textContent = d.count; break;
            case 'message': addLine(d.username + ': ' + d.message, 'black'); break;
            case 'typing':
                el('typing').textContent = d.username + ' is typing...';
                clearTimeout(typingTimer);
                typingTimer = setTimeout(() => { el('typing').textContent = ''; }, 2000);
                break;
            }
        }

        function connect() {
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws');
            ws.onopen = () => updateStatus(true);
            ws.onmessage = (event) => handle(JSON.parse(event.data));
            ws.onclose = () => { addLine('Connection closed'); updateStatus(false); ws = null; };
            ws.onerror = () => addLine('Connection error');
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
            } else {
                connect();
            }
        }

        function join() {
            emit('join', {username: el('username').value, room: el('room').value});
        }

        function sendMessage() {
            const text = el('messageInput').value;
            if (text.trim()) {
                emit('message', {username: el('username').value, room: el('room').value, message: text});
                el('messageInput').value = '';
            }
        }

        el('messageInput').addEventListener('keypress', function(e) {
            if (e.key === 'Enter') {
                sendMessage();
            } else {
                emit('typing', {room: el('room').value});
            }
        });
    </script>
</body>
</html>`
