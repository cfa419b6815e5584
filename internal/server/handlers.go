// Package server exposes HTTP handlers, including WebSocket upgrades, history
// and presence queries, health checks, and the built-in test page.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/chatcore/internal/chat"
	"github.com/Tyrowin/chatcore/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		handlerLog.Warnf("Error writing JSON response: %v", err)
	}
}

// WebSocketHandler handles WebSocket upgrade requests and manages client connections.
// It validates that the request uses the GET method, upgrades the HTTP connection
// to WebSocket, creates a new Client instance, and registers it with the hub,
// which starts the client's read/write pumps.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		handlerLog.Warnf("WebSocket upgrade failed: %v", err)
		return
	}

	client := NewClient(conn, s.Hub, r.RemoteAddr)
	if !s.Hub.Register(client) {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		_ = conn.Close()
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
// It responds with a plain text message indicating the server is running.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Chat server is running!")
}

func (s *Server) storeContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), currentConfig().StoreTimeout.Duration)
}

// MessagesHandler returns recent public messages in chronological order. The
// limit query parameter defaults to the configured history limit.
func (s *Server) MessagesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := currentConfig().HistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, store.MaxHistory)
	}

	ctx, cancel := s.storeContext(r)
	defer cancel()

	messages, err := s.Store.RecentMessages(ctx, limit)
	if err != nil {
		handlerLog.Errorf("Loading message history: %v", err)
		http.Error(w, "Error loading messages", http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []chat.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

// UsersHandler returns the users currently online.
func (s *Server) UsersHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := s.storeContext(r)
	defer cancel()

	users, err := s.Chat.Registry().Online(ctx)
	if err != nil {
		handlerLog.Errorf("Loading online users: %v", err)
		http.Error(w, "Error loading users", http.StatusInternalServerError)
		return
	}
	if users == nil {
		users = []chat.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

// TestPageHandler serves an HTML test page for exercising the event protocol.
// It provides a simple web interface to join, send broadcast and private
// messages, and watch presence and typing updates in real time.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPageHTML); err != nil {
		handlerLog.Warnf("Error writing HTML response: %v", err)
	}
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Chat WebSocket Test</title>
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
        input[type="text"] {
            width: 200px;
            padding: 5px;
            margin-right: 10px;
        }
        button {
            padding: 5px 15px;
            background-color: #007cba;
            color: white;
            border: none;
            cursor: pointer;
        }
        button:hover { background-color: #005a87; }
        .status {
            margin: 10px 0;
            padding: 5px;
            border-radius: 3px;
        }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
        #users, #typing { color: #555; margin: 5px 0; }
    </style>
</head>
<body>
    <h1>Chat WebSocket Test</h1>

    <div id="status" class="status disconnected">Disconnected</div>

    <div>
        <input type="text" id="usernameInput" placeholder="Username">
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>
    <div id="users"></div>
    <div id="typing"></div>
    <div>
        <input type="text" id="toInput" placeholder="To (blank for everyone)" disabled>
        <input type="text" id="messageInput" placeholder="Type a message..." disabled>
        <button id="sendButton" onclick="sendMessage()" disabled>Send</button>
    </div>

    <div id="messages"></div>

    <script>
        let ws = null;
        let typingTimer = null;
        const messagesDiv = document.getElementById('messages');
        const usernameInput = document.getElementById('usernameInput');
        const toInput = document.getElementById('toInput');
        const messageInput = document.getElementById('messageInput');
        const sendButton = document.getElementById('sendButton');
        const connectButton = document.getElementById('connectButton');
        const statusDiv = document.getElementById('status');
        const usersDiv = document.getElementById('users');
        const typingDiv = document.getElementById('typing');

        function addMessage(text, color) {
            const el = document.createElement('div');
            el.style.margin = '5px 0';
            el.style.padding = '3px';
            el.style.color = color || 'gray';
            el.textContent = text;
            messagesDiv.appendChild(el);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        function emit(event, data) {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify({event: event, data: data}));
            }
        }

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            messageInput.disabled = !connected;
            toInput.disabled = !connected;
            sendButton.disabled = !connected;
            usernameInput.disabled = connected;
            connectButton.textContent = connected ? 'Disconnect' : 'Connect';
        }

        function handle(env) {
            const data = env.data;
            switch (env.event) {
            case 'user_list':
                usersDiv.textContent = 'Online: ' + data.map(u => u.username).join(', ');
                break;
            case 'user_joined':
                addMessage(data.username + ' joined');
                break;
            case 'user_left':
                addMessage(data.username + ' left');
                break;
            case 'receive_message':
                addMessage(data.sender + ': ' + data.message, 'green');
                break;
            case 'private_message':
                addMessage('[private] ' + data.sender + ' -> ' + data.to + ': ' + data.message, 'purple');
                break;
            case 'typing_users':
                const names = Object.keys(data).filter(k => data[k]);
                typingDiv.textContent = names.length ? names.join(', ') + ' typing...' : '';
                break;
            }
        }

        function connect() {
            const username = usernameInput.value.trim();
            if (!username) {
                addMessage('Enter a username first');
                return;
            }
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws');

            ws.onopen = function() {
                addMessage('Connected to chat server');
                updateStatus(true);
                emit('user_join', username);
            };

            ws.onmessage = function(event) {
                event.data.split('\n').forEach(function(line) {
                    if (line.trim()) {
                        handle(JSON.parse(line));
                    }
                });
            };

            ws.onclose = function() {
                addMessage('Connection closed');
                updateStatus(false);
                usersDiv.textContent = '';
                typingDiv.textContent = '';
                ws = null;
            };

            ws.onerror = function(error) {
                addMessage('Connection error: ' + error);
                updateStatus(false);
            };
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
            } else {
                connect();
            }
        }

        function sendMessage() {
            const message = messageInput.value.trim();
            const to = toInput.value.trim();
            if (!message) {
                return;
            }
            if (to) {
                emit('private_message', {to: to, message: message});
            } else {
                emit('send_message', {message: message});
            }
            clearTimeout(typingTimer);
            emit('typing', false);
            messageInput.value = '';
        }

        messageInput.addEventListener('input', function() {
            emit('typing', true);
            clearTimeout(typingTimer);
            typingTimer = setTimeout(function() { emit('typing', false); }, 2000);
        });

        messageInput.addEventListener('keypress', function(e) {
            if (e.key === 'Enter') {
                sendMessage();
            }
        });
    </script>
</body>
</html>`
