package crewchat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSessionRESTOnly(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/me", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(User{ID: 999, Username: "self"})
	})
	mux.HandleFunc("/api/channels/7/messages", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(HistoryPage{Messages: []Message{testMessage(1, "hi")}})
	})
	mux.HandleFunc("/api/channels/7/receipts", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]ReceiptEntry{{UserID: 1, LastMessageID: 1}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewClient("tok", WithBaseURL(srv.URL), WithRealtimeDisabled())
	session, err := NewSession(context.Background(), client, SessionConfig{})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer session.Close()

	if session.Bus != nil {
		t.Error("REST-only session opened a socket")
	}
	if session.Self().ID != 999 {
		t.Errorf("Self = %+v", session.Self())
	}

	view, err := session.OpenConversation(context.Background(), ChannelRef(7), ConversationViewOptions{})
	if err != nil {
		t.Fatalf("OpenConversation: %v", err)
	}
	defer view.Close()

	assertIDs(t, view.Messages(), 1)
	if got := session.Receipts.LastRead("7", 1); got != 1 {
		t.Errorf("receipt store not seeded: LastRead = %d", got)
	}

	// Typing signals are silent no-ops without a socket.
	session.Signaler.EmitStart(context.Background(), ChannelRef(7))
	session.Signaler.EmitStop(context.Background(), ChannelRef(7))
}

func TestSessionMeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"code": "UNAUTHORIZED", "message": "bad token"})
	}))
	defer srv.Close()

	client := NewClient("bad", WithBaseURL(srv.URL), WithRealtimeDisabled())
	if _, err := NewSession(context.Background(), client, SessionConfig{}); err == nil {
		t.Fatal("expected error from rejected token")
	}
}
