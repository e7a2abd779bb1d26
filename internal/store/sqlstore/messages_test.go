package sqlstore

import (
	"testing"
	"time"

	"github.com/pliu/cipherchat/internal/models"
)

var epoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func createUser(t *testing.T, id, username string) {
	t.Helper()
	if err := testStore.CreateUser(&models.User{ID: id, Username: username, Password: "hash"}); err != nil {
		t.Fatalf("Failed to create user %s: %v", username, err)
	}
}

func saveMessage(t *testing.T, id, from, to string, at time.Time) {
	t.Helper()
	msg := &models.Message{
		ID:         id,
		SenderID:   from,
		ReceiverID: to,
		Encrypted:  models.Encrypted{IV: "aXY=", Ciphertext: "Y3Q=" + id},
		Kind:       models.KindText,
		Status:     models.StatusSent,
		CreatedAt:  at,
	}
	if err := testStore.SaveMessage(msg); err != nil {
		t.Fatalf("Failed to save message %s: %v", id, err)
	}
}

func setupPair(t *testing.T) {
	SetupTestDB(t)
	createUser(t, "u1", "alice")
	createUser(t, "u2", "bob")
	createUser(t, "u3", "carol")
}

func TestSaveMessage(t *testing.T) {
	setupPair(t)
	defer TeardownTestDB()

	msg := &models.Message{
		ID:              "m1",
		SenderID:        "u1",
		ReceiverID:      "u2",
		Encrypted:       models.Encrypted{IV: "aXY=", Ciphertext: "Y3Q="},
		Kind:            models.KindImage,
		Status:          models.StatusSent,
		SenderPublicKey: models.JWK{"kty": "EC", "crv": "P-256", "x": "a", "y": "b"},
		CreatedAt:       epoch,
	}
	if err := testStore.SaveMessage(msg); err != nil {
		t.Fatalf("Failed to save message: %v", err)
	}

	got, err := testStore.GetMessage("m1")
	if err != nil {
		t.Fatalf("Failed to get message: %v", err)
	}
	if got.Kind != models.KindImage || got.Status != models.StatusSent {
		t.Errorf("Unexpected kind/status %s/%s", got.Kind, got.Status)
	}
	if !got.CreatedAt.Equal(epoch) {
		t.Errorf("Expected created_at %v, got %v", epoch, got.CreatedAt)
	}
	if got.SenderPublicKey.Curve() != "P-256" {
		t.Errorf("Sender key not round-tripped: %v", got.SenderPublicKey)
	}
}

func TestGetConversationOrdersByCreation(t *testing.T) {
	setupPair(t)
	defer TeardownTestDB()

	// inserted out of order, both directions, plus an unrelated thread
	saveMessage(t, "m3", "u1", "u2", epoch.Add(3*time.Second))
	saveMessage(t, "m1", "u2", "u1", epoch.Add(1*time.Second))
	saveMessage(t, "x1", "u1", "u3", epoch)
	saveMessage(t, "m2", "u1", "u2", epoch.Add(2*time.Second))
	saveMessage(t, "m2b", "u2", "u1", epoch.Add(2*time.Second))

	messages, err := testStore.GetConversation("u2", "u1")
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}

	want := []string{"m1", "m2", "m2b", "m3"}
	if len(messages) != len(want) {
		t.Fatalf("Expected %d messages, got %d", len(want), len(messages))
	}
	for i, id := range want {
		if messages[i].ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, messages[i].ID)
		}
	}
}

func TestMarkDelivered(t *testing.T) {
	setupPair(t)
	defer TeardownTestDB()

	saveMessage(t, "m1", "u1", "u2", epoch)

	// only the receiver can acknowledge
	changed, err := testStore.MarkDelivered("m1", "u3")
	if err != nil || changed != nil {
		t.Fatalf("Expected no change for wrong receiver, got %v, %v", changed, err)
	}

	changed, err = testStore.MarkDelivered("m1", "u2")
	if err != nil {
		t.Fatalf("MarkDelivered failed: %v", err)
	}
	if changed == nil || changed.Status != models.StatusDelivered {
		t.Fatalf("Expected delivered message, got %v", changed)
	}

	changed, err = testStore.MarkDelivered("m1", "u2")
	if err != nil || changed != nil {
		t.Errorf("Expected duplicate ack to be a no-op, got %v, %v", changed, err)
	}
}

func TestMarkAllDelivered(t *testing.T) {
	setupPair(t)
	defer TeardownTestDB()

	saveMessage(t, "m1", "u1", "u2", epoch)
	saveMessage(t, "m2", "u3", "u2", epoch.Add(time.Second))
	saveMessage(t, "m3", "u2", "u1", epoch.Add(2*time.Second))

	changed, err := testStore.MarkAllDelivered("u2")
	if err != nil {
		t.Fatalf("MarkAllDelivered failed: %v", err)
	}
	if len(changed) != 2 || changed[0].ID != "m1" || changed[1].ID != "m2" {
		t.Fatalf("Unexpected changed set %v", changed)
	}
	for _, m := range changed {
		if m.Status != models.StatusDelivered {
			t.Errorf("Expected %s delivered, got %s", m.ID, m.Status)
		}
	}

	changed, err = testStore.MarkAllDelivered("u2")
	if err != nil || len(changed) != 0 {
		t.Errorf("Expected second pass to change nothing, got %v, %v", changed, err)
	}

	m3, _ := testStore.GetMessage("m3")
	if m3.Status != models.StatusSent {
		t.Errorf("Message to another receiver changed: %s", m3.Status)
	}
}

func TestMarkReadIsMonotonic(t *testing.T) {
	setupPair(t)
	defer TeardownTestDB()

	saveMessage(t, "m1", "u1", "u2", epoch)
	saveMessage(t, "m2", "u1", "u2", epoch.Add(time.Second))
	saveMessage(t, "m3", "u2", "u1", epoch.Add(2*time.Second))
	if _, err := testStore.MarkDelivered("m1", "u2"); err != nil {
		t.Fatal(err)
	}

	n, err := testStore.MarkRead("u1", "u2")
	if err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 rows read, got %d", n)
	}

	n, _ = testStore.MarkRead("u1", "u2")
	if n != 0 {
		t.Errorf("Expected repeated MarkRead to change nothing, got %d", n)
	}

	// a late delivery ack must not pull a read message back
	if changed, _ := testStore.MarkDelivered("m1", "u2"); changed != nil {
		t.Error("Read message moved back to delivered")
	}
	m1, _ := testStore.GetMessage("m1")
	if m1.Status != models.StatusRead {
		t.Errorf("Expected m1 read, got %s", m1.Status)
	}
	m3, _ := testStore.GetMessage("m3")
	if m3.Status != models.StatusSent {
		t.Errorf("Opposite direction changed: %s", m3.Status)
	}
}
