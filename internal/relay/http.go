package relay

import (
	"encoding/json"
	"net/http"
)

// PresenceHandler serves GET /presence with the current online snapshot.
func (r *Router) PresenceHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		users := r.registry.ListOnline()
		writeJSON(w, struct {
			Count int      `json:"count"`
			Users []string `json:"users"`
		}{Count: len(users), Users: users})
	})
}

// TypingHandler serves GET /typing?userId=<id> with the senders currently
// typing to that user.
func (r *Router) TypingHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		userID := req.URL.Query().Get("userId")
		if userID == "" {
			http.Error(w, "userId is required", http.StatusBadRequest)
			return
		}
		writeJSON(w, struct {
			UserID string   `json:"userId"`
			Typing []string `json:"typing"`
		}{UserID: userID, Typing: r.typing.GetTypingUsers(userID)})
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}
