package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pliu/cipherchat/internal/messages"
	"github.com/pliu/cipherchat/internal/middleware"
	"github.com/pliu/cipherchat/internal/models"
)

// Notifier pushes an event to a user's live connection.
type Notifier interface {
	Notify(userID, event string, data interface{})
}

// ReadMarker applies a batch read receipt.
type ReadMarker interface {
	MarkRead(readerID, senderID string) (int64, error)
}

type MessageHandler struct {
	Messages *messages.Service
	Tracker  ReadMarker
	Hub      Notifier
}

func (h *MessageHandler) Users(w http.ResponseWriter, r *http.Request) {
	users, err := h.Messages.ListSidebarUsers(middleware.UserID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *MessageHandler) History(w http.ResponseWriter, r *http.Request) {
	peerID := mux.Vars(r)["peerId"]
	msgs, err := h.Messages.ListConversation(middleware.UserID(r), peerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// Send stores a message and pushes it to the receiver and back to the
// sender's own live connection.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	senderID := middleware.UserID(r)
	peerID := mux.Vars(r)["peerId"]

	var req messages.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	msg, err := h.Messages.Append(senderID, peerID, req)
	if err != nil {
		writeError(w, err)
		return
	}

	if h.Hub != nil {
		push := models.NewMessage{From: senderID, Msg: *msg}
		h.Hub.Notify(peerID, models.EventNewMessage, push)
		if peerID != senderID {
			h.Hub.Notify(senderID, models.EventNewMessage, push)
		}
	}
	writeJSON(w, http.StatusCreated, msg)
}

// MarkRead is the REST form of mark_as_read for clients without a socket.
func (h *MessageHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	n, err := h.Tracker.MarkRead(middleware.UserID(r), mux.Vars(r)["peerId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated": n})
}
