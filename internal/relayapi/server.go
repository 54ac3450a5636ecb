// Package relayapi serves a read-only HTTP view of a chat relay node.
package relayapi

import (
	"encoding/json"
	"net/http"
	"time"

	"ClawdCity-Chat/internal/chat"
	"ClawdCity-Chat/internal/core/network"
)

const feedTopic = "relay.events"

// Directory lists the users currently alive.
type Directory interface {
	List() []chat.UserRecord
}

// NodeInfo describes the relay's own libp2p host.
type NodeInfo interface {
	PeerID() string
	ListenAddrs() []string
	ConnectedPeers() []string
}

// Event is one entry of the SSE stream.
type Event struct {
	Type     string              `json:"type"`
	At       time.Time           `json:"at"`
	Message  *chat.ChatMessage   `json:"message,omitempty"`
	Presence *chat.PresenceEvent `json:"presence,omitempty"`
}

type Server struct {
	users Directory
	node  NodeInfo
	feed  network.PubSub
}

// NewServer builds a server over users. node may be nil when the relay runs
// without libp2p.
func NewServer(users Directory, node NodeInfo) *Server {
	return &Server{users: users, node: node, feed: network.NewMemoryPubSub()}
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/chat/users", s.handleUsers)
	mux.HandleFunc("/api/chat/node", s.handleNode)
	mux.HandleFunc("/api/chat/stream", s.handleStream)
}

// PublishMessage forwards msg to every open stream.
func (s *Server) PublishMessage(msg chat.ChatMessage) {
	s.publish(Event{Type: "message", At: time.Now().UTC(), Message: &msg})
}

// PublishPresence forwards evt to every open stream.
func (s *Server) PublishPresence(evt chat.PresenceEvent) {
	s.publish(Event{Type: "presence", At: time.Now().UTC(), Presence: &evt})
}

func (s *Server) publish(evt Event) {
	b, err := json.Marshal(evt)
	if err != nil {
		return
	}
	_ = s.feed.Publish(feedTopic, b)
}

// Close ends every open stream.
func (s *Server) Close() error {
	return s.feed.Close()
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeNoContent(w)
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	users := s.users.List()
	if users == nil {
		users = []chat.UserRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	if s.node == nil {
		writeError(w, http.StatusServiceUnavailable, "relay has no libp2p host")
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"peer_id":      s.node.PeerID(),
		"listen_addrs": s.node.ListenAddrs(),
		"peers":        s.node.ConnectedPeers(),
	})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	ch, cancel, err := s.feed.Subscribe(feedTopic)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var evt Event
			if err := json.Unmarshal(msg.Payload, &evt); err != nil {
				continue
			}
			if _, err := w.Write([]byte("event: " + evt.Type + "\ndata: " + string(msg.Payload) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET,OPTIONS")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeNoContent(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET,OPTIONS")
	w.WriteHeader(http.StatusNoContent)
}
