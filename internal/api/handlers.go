package api

import (
	"encoding/json"
	"net/http"
	"slices"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/gigchat/internal/server"
)

type UnreadResponse struct {
	UnreadCount int `json:"unread_count"`
}

func (s *GigChatApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *GigChatApp) writeError(w http.ResponseWriter, errResp *ApiError) {
	if errResp.Err != nil {
		s.log.Printf("%s: %v", errResp.Message, errResp.Err)
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, key string) (int, bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, false, nil
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

func (s *GigChatApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		s.writeError(w, NewServiceUnavailableError(err))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *GigChatApp) listConversations(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	summaries, err := s.cs.Conversations(r.Context(), userId)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusOK, summaries)
}

func (s *GigChatApp) getConversation(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	summary, err := s.cs.Conversation(r.Context(), userId, r.PathValue("id"))
	if err != nil {
		s.writeError(w, fromProtocolError(err))
		return
	}

	s.writeJson(w, http.StatusOK, summary)
}

func (s *GigChatApp) unreadCount(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	n, err := s.cs.UnreadCount(r.Context(), userId)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusOK, UnreadResponse{UnreadCount: n})
}

func (s *GigChatApp) presence(w http.ResponseWriter, r *http.Request) {
	if _, ok := UserId(r.Context()); !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	target, found, err := queryInt(r, "user_id")
	if err != nil || !found || target <= 0 {
		s.writeError(w, NewBadRequestError())
		return
	}

	p, err := s.cs.Presence(r.Context(), target)
	if err != nil {
		// the status is still meaningful without a last-seen time
		s.log.Printf("presence of user %d: %v", target, err)
	}

	s.writeJson(w, http.StatusOK, p)
}

func (s *GigChatApp) getMessages(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	var q server.GetMessages
	var err error
	var found bool

	q.OtherUserId, found, err = queryInt(r, "other_user_id")
	if err != nil || !found || q.OtherUserId <= 0 {
		s.writeError(w, NewBadRequestError())
		return
	}

	since, found, err := queryInt(r, "since")
	if err != nil || since < 0 {
		s.writeError(w, NewBadRequestError())
		return
	}
	if found {
		q.SinceSeqId = &since
	}

	q.Limit, _, err = queryInt(r, "limit")
	if err != nil || q.Limit < 0 {
		s.writeError(w, NewBadRequestError())
		return
	}

	history, err := s.cs.History(r.Context(), userId, q)
	if err != nil {
		s.writeError(w, fromProtocolError(err))
		return
	}

	s.writeJson(w, http.StatusOK, history)
}

// serveWs upgrades the connection. Authentication happens in band with the
// first frame.
func (s *GigChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				// if no origin header, allow the request
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	if err := s.cs.Serve(conn); err != nil {
		s.log.Println("rejecting connection:", err)
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()))
		conn.Close()
	}
}
