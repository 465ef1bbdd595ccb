package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lif-app/lifsync/internal/session"
)

type staticCreds string

func (s staticCreds) Token() (string, error) {
	if s == "" {
		return "", session.ErrNoCredential
	}
	return string(s), nil
}

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, staticCreds("tok-1"), 2*time.Second, 5*time.Second)
}

func TestListChatsAttachesBearer(t *testing.T) {
	var gotAuth string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode([]ConversationSummary{{MatchID: "c1", PartnerName: "Alice"}})
	}))

	chats, err := c.ListChats(context.Background())
	if err != nil {
		t.Fatalf("ListChats() error = %v", err)
	}
	if gotAuth != "Bearer tok-1" {
		t.Errorf("Authorization = %q, want Bearer tok-1", gotAuth)
	}
	if len(chats) != 1 || chats[0].MatchID != "c1" {
		t.Errorf("chats = %+v", chats)
	}
}

func TestNoCredentialFailsBeforeIO(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	c := NewClient(srv.URL, staticCreds(""), time.Second, time.Second)
	_, err := c.ListChats(context.Background())
	if !errors.Is(err, session.ErrNoCredential) {
		t.Errorf("error = %v, want ErrNoCredential", err)
	}
	if called {
		t.Error("request must not be sent without a credential")
	}
}

func TestListMessagesQuery(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/chats/c1/messages") {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.URL.Query().Get("page") != "2" || r.URL.Query().Get("limit") != "50" {
			t.Errorf("query = %q", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode([]Message{{ID: "m1", MatchID: "c1", CreatedAt: 1000}})
	}))

	msgs, err := c.ListMessages(context.Background(), "c1", 2, 0)
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Errorf("msgs = %+v", msgs)
	}
}

func TestSendMessage(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/chats/message" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["conversationId"] != "c1" || body["content"] != "hello" {
			t.Errorf("body = %v", body)
		}
		_ = json.NewEncoder(w).Encode(Message{ID: "srv-1", MatchID: "c1", Content: "hello", CreatedAt: 1000})
	}))

	msg, err := c.SendMessage(context.Background(), "c1", "hello")
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if msg.ID != "srv-1" {
		t.Errorf("id = %q, want srv-1", msg.ID)
	}
}

func TestSendImageMessageMultipart(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		if r.FormValue("conversationId") != "c1" {
			t.Errorf("conversationId = %q", r.FormValue("conversationId"))
		}
		f, hdr, err := r.FormFile("image")
		if err != nil {
			t.Fatalf("image part: %v", err)
		}
		defer func() { _ = f.Close() }()
		if hdr.Filename != "pic.jpg" {
			t.Errorf("filename = %q", hdr.Filename)
		}
		_ = json.NewEncoder(w).Encode(Message{ID: "srv-img", IsImage: true})
	}))

	msg, err := c.SendImageMessage(context.Background(), "c1", "pic.jpg", strings.NewReader("jpegbytes"))
	if err != nil {
		t.Fatalf("SendImageMessage() error = %v", err)
	}
	if msg.ID != "srv-img" || !msg.IsImage {
		t.Errorf("msg = %+v", msg)
	}
}

func TestStatusError(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))

	err := c.DeleteMessage(context.Background(), "m1")
	var serr *StatusError
	if !errors.As(err, &serr) {
		t.Fatalf("error = %T %v, want StatusError", err, err)
	}
	if serr.Code != http.StatusForbidden {
		t.Errorf("code = %d, want 403", serr.Code)
	}
}

func TestTimeoutError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, staticCreds("tok"), 20*time.Millisecond, 20*time.Millisecond)
	err := c.DeleteChat(context.Background(), "c1")
	var terr *TimeoutError
	if !errors.As(err, &terr) {
		t.Errorf("error = %T %v, want TimeoutError", err, err)
	}
}

func TestNetworkError(t *testing.T) {
	// Point at a closed port.
	c := NewClient("http://127.0.0.1:1", staticCreds("tok"), time.Second, time.Second)
	_, err := c.ListChats(context.Background())
	var nerr *NetworkError
	if !errors.As(err, &nerr) {
		t.Errorf("error = %T %v, want NetworkError", err, err)
	}
}

func TestCallLifecycleEndpoints(t *testing.T) {
	var paths []string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		if r.URL.Path == "/calls/initiate" {
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["matchId"] != "c1" || body["callType"] != "video" {
				t.Errorf("initiate body = %v", body)
			}
			_ = json.NewEncoder(w).Encode(CallInfo{CallID: "call-1", MatchID: "c1"})
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	info, err := c.InitiateCall(context.Background(), "c1", "video")
	if err != nil {
		t.Fatalf("InitiateCall() error = %v", err)
	}
	if info.CallID != "call-1" {
		t.Errorf("callId = %q", info.CallID)
	}
	if err := c.AcceptCall(context.Background(), "call-1"); err != nil {
		t.Fatal(err)
	}
	if err := c.RejectCall(context.Background(), "call-1"); err != nil {
		t.Fatal(err)
	}
	if err := c.EndCall(context.Background(), "call-1"); err != nil {
		t.Fatal(err)
	}

	want := []string{
		"POST /calls/initiate",
		"POST /calls/accept",
		"POST /calls/reject",
		"POST /calls/end/call-1",
	}
	for i, p := range want {
		if i >= len(paths) || paths[i] != p {
			t.Errorf("call %d = %v, want %q", i, paths, p)
			break
		}
	}
}
