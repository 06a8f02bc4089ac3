package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/golang/glog"

	"github.com/mqy/minichat/chatstore"
	"github.com/mqy/minichat/ws"
)

const maxSearchLimit = 50

// Handler holds the dependencies of the chat endpoints.
type Handler struct {
	store    chatstore.Store
	sender   Sender
	presence Presence
}

func NewHandler(store chatstore.Store, sender Sender, presence Presence) *Handler {
	return &Handler{store: store, sender: sender, presence: presence}
}

// History returns messages between two users, oldest first. The caller must
// be one of them.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	uid := callerID(r)
	a := chatstore.UserID(chi.URLParam(r, "userId1"))
	b := chatstore.UserID(chi.URLParam(r, "userId2"))
	if a == "" || b == "" {
		writeError(w, http.StatusBadRequest, "both user ids are required")
		return
	}
	if uid != a && uid != b {
		writeError(w, http.StatusForbidden, "not a participant of the conversation")
		return
	}

	msgs, err := h.store.LoadHistory(r.Context(), a, b)
	if err != nil {
		h.storeError(w, "load history", err)
		return
	}
	if msgs == nil {
		msgs = []*chatstore.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// Conversations lists the caller's conversations, most recent first.
func (h *Handler) Conversations(w http.ResponseWriter, r *http.Request) {
	convs, err := h.store.ListConversations(r.Context(), callerID(r))
	if err != nil {
		h.storeError(w, "list conversations", err)
		return
	}
	if convs == nil {
		convs = []*chatstore.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

// Search finds contacts of the caller by id substring.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	limit := chatstore.DefaultSearchLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > maxSearchLimit {
			writeError(w, http.StatusBadRequest, "limit: expect integer in [1, 50]")
			return
		}
		limit = n
	}

	users, err := chatstore.SearchContacts(r.Context(), h.store, callerID(r), r.URL.Query().Get("q"), limit)
	if err != nil {
		h.storeError(w, "search contacts", err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

// Online returns the identities that hold a live connection.
func (h *Handler) Online(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]chatstore.UserID{"online": h.presence.Online()})
}

// CallRoom returns the room id both sides of a call join.
func (h *Handler) CallRoom(w http.ResponseWriter, r *http.Request) {
	peer := chatstore.UserID(chi.URLParam(r, "userId"))
	if peer == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"roomId": chatstore.CallRoomID(callerID(r), peer)})
}

// Send stores a message from the caller, then delivers it in realtime.
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	var req ws.SendReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body: "+err.Error())
		return
	}

	msg, rerr := h.sender.Prepare(&req, callerID(r))
	if rerr != nil {
		status := http.StatusBadRequest
		if rerr.Code == ws.ErrorCodeIdentityMismatch {
			status = http.StatusForbidden
		}
		writeJSON(w, status, map[string]*ws.Error{"error": rerr})
		return
	}

	saved, err := h.store.AppendMessage(r.Context(), msg)
	if err != nil {
		h.storeError(w, "append message", err)
		return
	}

	h.sender.Deliver(saved)
	writeJSON(w, http.StatusCreated, saved)
}

func (h *Handler) storeError(w http.ResponseWriter, op string, err error) {
	glog.Errorf("api: %s err: %v", op, err)
	if errors.Is(err, chatstore.ErrStorage) {
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		glog.Errorf("api: encode response err: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
