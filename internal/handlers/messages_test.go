package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gorilla/mux"
	"github.com/pliu/cipherchat/internal/auth"
	"github.com/pliu/cipherchat/internal/delivery"
	"github.com/pliu/cipherchat/internal/e2e"
	"github.com/pliu/cipherchat/internal/messages"
	"github.com/pliu/cipherchat/internal/middleware"
	"github.com/pliu/cipherchat/internal/models"
	"github.com/pliu/cipherchat/internal/store/sqlstore"
)

type pushed struct {
	userID string
	event  string
	data   interface{}
}

type fakeHub struct {
	mu     sync.Mutex
	pushes []pushed
}

func (f *fakeHub) Notify(userID, event string, data interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, pushed{userID, event, data})
}

func newMessageHandler(t *testing.T) (*MessageHandler, *sqlstore.SQLStore, *fakeHub) {
	t.Helper()
	store, err := sqlstore.New("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	store.CreateUser(&models.User{ID: "u1", Username: "alice", Password: "x"})
	store.CreateUser(&models.User{ID: "u2", Username: "bob", Password: "x"})

	hub := &fakeHub{}
	return &MessageHandler{
		Messages: messages.NewService(store, true),
		Tracker:  delivery.NewTracker(store, hub),
		Hub:      hub,
	}, store, hub
}

func asUser(req *http.Request, userID string) *http.Request {
	req.AddCookie(&http.Cookie{Name: auth.CookieName, Value: auth.SignCookie(userID)})
	return req
}

func sendBody(t *testing.T) []byte {
	t.Helper()
	var key e2e.SharedKey
	enc, _ := e2e.Encrypt("hi", key)
	priv, _ := e2e.GenerateKey()
	body, _ := json.Marshal(map[string]interface{}{
		"encrypted":       enc,
		"senderPublicKey": e2e.PublicJWK(priv.PublicKey()),
		"kind":            "text",
	})
	return body
}

func TestSendMessage(t *testing.T) {
	handler, store, hub := newMessageHandler(t)

	req, _ := http.NewRequest("POST", "/message/send/u2", bytes.NewBuffer(sendBody(t)))
	req = mux.SetURLVars(asUser(req, "u1"), map[string]string{"peerId": "u2"})
	rr := httptest.NewRecorder()
	middleware.AuthMiddleware(http.HandlerFunc(handler.Send)).ServeHTTP(rr, req)

	if status := rr.Code; status != http.StatusCreated {
		t.Fatalf("handler returned wrong status code: got %v want %v: %s",
			status, http.StatusCreated, rr.Body.String())
	}

	var msg models.Message
	json.NewDecoder(rr.Body).Decode(&msg)
	if msg.Status != models.StatusSent || msg.SenderID != "u1" || msg.ReceiverID != "u2" {
		t.Errorf("Unexpected message %+v", msg)
	}

	// pushed to the receiver and echoed to the sender
	if len(hub.pushes) != 2 {
		t.Fatalf("Expected 2 pushes, got %d", len(hub.pushes))
	}
	if hub.pushes[0].userID != "u2" || hub.pushes[1].userID != "u1" {
		t.Errorf("Unexpected push targets %v", hub.pushes)
	}
	if hub.pushes[0].event != models.EventNewMessage {
		t.Errorf("Expected newMessage, got %s", hub.pushes[0].event)
	}

	stored, _ := store.GetConversation("u1", "u2")
	if len(stored) != 1 {
		t.Errorf("Expected 1 stored message, got %d", len(stored))
	}
}

func TestSendMessageRejectsMalformedPayload(t *testing.T) {
	handler, store, hub := newMessageHandler(t)

	body := []byte(`{"encrypted":{"iv":null,"ciphertext":"abc"},"senderPublicKey":{"kty":"EC","crv":"P-256","x":"a","y":"b"}}`)
	req, _ := http.NewRequest("POST", "/message/send/u2", bytes.NewBuffer(body))
	req = mux.SetURLVars(asUser(req, "u1"), map[string]string{"peerId": "u2"})
	rr := httptest.NewRecorder()
	middleware.AuthMiddleware(http.HandlerFunc(handler.Send)).ServeHTTP(rr, req)

	if status := rr.Code; status != http.StatusBadRequest {
		t.Errorf("handler returned wrong status code: got %v want %v",
			status, http.StatusBadRequest)
	}
	if len(hub.pushes) != 0 {
		t.Error("Rejected message was pushed")
	}
	stored, _ := store.GetConversation("u1", "u2")
	if len(stored) != 0 {
		t.Error("Rejected message was stored")
	}
}

func TestHistoryAndUsers(t *testing.T) {
	handler, _, _ := newMessageHandler(t)

	for _, from := range []string{"u1", "u2"} {
		to := map[string]string{"u1": "u2", "u2": "u1"}[from]
		req, _ := http.NewRequest("POST", "/message/send/"+to, bytes.NewBuffer(sendBody(t)))
		req = mux.SetURLVars(asUser(req, from), map[string]string{"peerId": to})
		middleware.AuthMiddleware(http.HandlerFunc(handler.Send)).ServeHTTP(httptest.NewRecorder(), req)
	}

	req, _ := http.NewRequest("GET", "/message/u1", nil)
	req = mux.SetURLVars(asUser(req, "u2"), map[string]string{"peerId": "u1"})
	rr := httptest.NewRecorder()
	middleware.AuthMiddleware(http.HandlerFunc(handler.History)).ServeHTTP(rr, req)

	var history []models.Message
	json.NewDecoder(rr.Body).Decode(&history)
	if len(history) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(history))
	}
	if history[0].SenderID != "u1" {
		t.Errorf("Expected oldest message first, got sender %s", history[0].SenderID)
	}

	req, _ = http.NewRequest("GET", "/message/users", nil)
	rr = httptest.NewRecorder()
	middleware.AuthMiddleware(http.HandlerFunc(handler.Users)).ServeHTTP(rr, asUser(req, "u1"))

	var users []map[string]interface{}
	json.NewDecoder(rr.Body).Decode(&users)
	if len(users) != 1 || users[0]["username"] != "bob" {
		t.Errorf("Expected only bob, got %v", users)
	}
	if _, ok := users[0]["password"]; ok {
		t.Error("Sidebar leaked password field")
	}
}

func TestMarkRead(t *testing.T) {
	handler, store, hub := newMessageHandler(t)

	req, _ := http.NewRequest("POST", "/message/send/u2", bytes.NewBuffer(sendBody(t)))
	req = mux.SetURLVars(asUser(req, "u1"), map[string]string{"peerId": "u2"})
	middleware.AuthMiddleware(http.HandlerFunc(handler.Send)).ServeHTTP(httptest.NewRecorder(), req)
	hub.pushes = nil

	req, _ = http.NewRequest("POST", "/message/read/u1", nil)
	req = mux.SetURLVars(asUser(req, "u2"), map[string]string{"peerId": "u1"})
	rr := httptest.NewRecorder()
	middleware.AuthMiddleware(http.HandlerFunc(handler.MarkRead)).ServeHTTP(rr, req)

	if status := rr.Code; status != http.StatusOK {
		t.Errorf("handler returned wrong status code: got %v want %v", status, http.StatusOK)
	}
	if len(hub.pushes) != 1 || hub.pushes[0].event != models.EventMessagesRead || hub.pushes[0].userID != "u1" {
		t.Errorf("Expected one messages_read to u1, got %v", hub.pushes)
	}
	msgs, _ := store.GetConversation("u1", "u2")
	if msgs[0].Status != models.StatusRead {
		t.Errorf("Expected read, got %s", msgs[0].Status)
	}
}
