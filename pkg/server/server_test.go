package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/NicolasHaas/roomchat/pkg/datastore"
	"github.com/NicolasHaas/roomchat/pkg/model"
)

const testMaxUpload = 1024

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return newTestServerWith(t, nil)
}

func newTestServerWith(t *testing.T, configure func(*Config)) *Server {
	t.Helper()
	return newTestServerDeps(t, configure, Dependencies{Store: datastore.NewMemory()})
}

func newTestServerDeps(t *testing.T, configure func(*Config), deps Dependencies) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.TokenSecret = []byte("test-secret")
	cfg.MetricsLogInterval = 0
	cfg.Attachments.MaxBytes = testMaxUpload
	cfg.Attachments.QuotaBytes = 64 * testMaxUpload
	if configure != nil {
		configure(&cfg)
	}
	srv, err := New(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)
	return srv
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func do(t *testing.T, srv *Server, method, path, token string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func doJSON(t *testing.T, srv *Server, method, path, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(data)
	}
	return do(t, srv, method, path, token, body, "application/json")
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func requireError(t *testing.T, rec *httptest.ResponseRecorder, status int, kind string) {
	t.Helper()
	require.Equal(t, status, rec.Code, rec.Body.String())
	got := decode[apiError](t, rec)
	require.Equal(t, kind, got.Error)
	require.NotEmpty(t, got.Message)
}

// readyUser creates a session, names it and finishes intake.
func readyUser(t *testing.T, srv *Server, name string) string {
	t.Helper()
	rec := doJSON(t, srv, http.MethodPost, "/sessions", "", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[struct {
		SessionID string `json:"session_id"`
		Token     string `json:"token"`
		State     string `json:"state"`
	}](t, rec)
	require.Equal(t, "anonymous", created.State)

	rec = doJSON(t, srv, http.MethodPut, "/session/name", created.Token, map[string]string{"name": name})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = doJSON(t, srv, http.MethodPost, "/session/ready", created.Token, map[string]bool{"skip_profile": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return created.Token
}

func multipartBody(t *testing.T, filename, contentType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	part, err := w.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func upload(t *testing.T, srv *Server, token, filename, contentType string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, ct := multipartBody(t, filename, contentType, data)
	return do(t, srv, http.MethodPost, "/attachments", token, body, ct)
}

func TestIntakeFlow(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/sessions", "", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	token := decode[map[string]string](t, rec)["token"]

	// Rooms are not browsable before intake completes.
	requireError(t, doJSON(t, srv, http.MethodGet, "/rooms", token, nil), http.StatusBadRequest, "validation")
	requireError(t, doJSON(t, srv, http.MethodPost, "/session/ready", token, nil), http.StatusBadRequest, "validation")

	requireError(t, doJSON(t, srv, http.MethodPut, "/session/name", token, map[string]string{"name": "   "}),
		http.StatusBadRequest, "validation")

	rec = doJSON(t, srv, http.MethodPut, "/session/name", token, map[string]string{"name": " Alice "})
	require.Equal(t, http.StatusOK, rec.Code)
	sess := decode[map[string]any](t, rec)
	require.Equal(t, "named", sess["state"])
	require.Equal(t, "Alice", sess["user"].(map[string]any)["name"])

	rec = doJSON(t, srv, http.MethodPost, "/session/ready", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "ready", decode[map[string]any](t, rec)["state"])

	rec = doJSON(t, srv, http.MethodGet, "/rooms", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decode[struct {
		Rooms []model.RoomInfo `json:"rooms"`
	}](t, rec)
	require.Len(t, listed.Rooms, 3)
	require.Equal(t, "Tech Discussion", listed.Rooms[0].Name)

	// A second session cannot take the same name.
	other := doJSON(t, srv, http.MethodPost, "/sessions", "", nil)
	otherToken := decode[map[string]string](t, other)["token"]
	requireError(t, doJSON(t, srv, http.MethodPut, "/session/name", otherToken, map[string]string{"name": "alice"}),
		http.StatusBadRequest, "validation")
}

func TestAliceBobConversation(t *testing.T) {
	srv := newTestServer(t)
	alice := readyUser(t, srv, "Alice")
	bob := readyUser(t, srv, "Bob")

	requireError(t, doJSON(t, srv, http.MethodPost, "/rooms/1/messages", alice,
		map[string]string{"kind": "text", "text": "hi"}), http.StatusForbidden, "not_member")

	rec := doJSON(t, srv, http.MethodPost, "/rooms/1/join", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, srv, http.MethodPost, "/rooms/1/messages", alice, map[string]string{"kind": "text", "text": "hi"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sent := decode[struct {
		Seq       int64     `json:"seq"`
		Timestamp time.Time `json:"timestamp"`
	}](t, rec)
	require.Equal(t, int64(1), sent.Seq)
	require.False(t, sent.Timestamp.IsZero())

	requireError(t, doJSON(t, srv, http.MethodGet, "/rooms/1/messages", bob, nil), http.StatusForbidden, "not_member")

	rec = doJSON(t, srv, http.MethodPost, "/rooms/1/join", bob, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	joined := decode[map[string]any](t, rec)
	require.EqualValues(t, 2, joined["members"])
	require.EqualValues(t, 1, joined["last_seq"])

	rec = doJSON(t, srv, http.MethodGet, "/rooms/1/messages", bob, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[struct {
		Messages []model.Message `json:"messages"`
	}](t, rec)
	require.Len(t, history.Messages, 1)
	require.Equal(t, "Alice", history.Messages[0].Sender)
	require.Equal(t, "hi", history.Messages[0].Text)
	require.Equal(t, int64(1), history.Messages[0].Seq)

	rec = doJSON(t, srv, http.MethodGet, "/rooms/1/messages?since=1", bob, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, decode[struct {
		Messages []model.Message `json:"messages"`
	}](t, rec).Messages)

	// Session snapshot reports the derived room.
	rec = doJSON(t, srv, http.MethodGet, "/session", bob, nil)
	require.EqualValues(t, 1, decode[map[string]any](t, rec)["room_id"])

	// Joining another room leaves the first.
	require.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodPost, "/rooms/2/join", bob, nil).Code)
	require.Equal(t, 1, srv.Rooms().MembersCount(1))

	rec = doJSON(t, srv, http.MethodPost, "/rooms/leave", bob, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 2, decode[map[string]any](t, rec)["left"])
	rec = doJSON(t, srv, http.MethodPost, "/rooms/leave", bob, nil)
	require.EqualValues(t, 0, decode[map[string]any](t, rec)["left"])
}

func TestErrorResponses(t *testing.T) {
	srv := newTestServer(t)
	alice := readyUser(t, srv, "Alice")
	require.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodPost, "/rooms/1/join", alice, nil).Code)

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		status int
		kind   string
	}{
		{"no_token", http.MethodGet, "/session", "", nil, http.StatusUnauthorized, "unauthorized"},
		{"bad_token", http.MethodGet, "/session", "garbage", nil, http.StatusUnauthorized, "unauthorized"},
		{"unknown_room", http.MethodPost, "/rooms/99/join", alice, nil, http.StatusNotFound, "not_found"},
		{"bad_room_id", http.MethodPost, "/rooms/abc/join", alice, nil, http.StatusBadRequest, "validation"},
		{"empty_text", http.MethodPost, "/rooms/1/messages", alice, map[string]string{"kind": "text", "text": " "}, http.StatusBadRequest, "validation"},
		{"mixed_payload", http.MethodPost, "/rooms/1/messages", alice, map[string]string{"kind": "text", "text": "x", "attachment": "y"}, http.StatusBadRequest, "validation"},
		{"unknown_attachment", http.MethodPost, "/rooms/1/messages", alice, map[string]string{"kind": "file", "attachment": "nope"}, http.StatusNotFound, "not_found"},
		{"bad_since", http.MethodGet, "/rooms/1/messages?since=-3", alice, nil, http.StatusBadRequest, "validation"},
		{"unknown_download", http.MethodGet, "/attachments/nope", alice, nil, http.StatusNotFound, "not_found"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			requireError(t, doJSON(t, srv, tc.method, tc.path, tc.token, tc.body), tc.status, tc.kind)
		})
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{model.Validationf("x"), http.StatusBadRequest},
		{fmt.Errorf("op: %w", model.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("op: %w", model.ErrNotMember), http.StatusForbidden},
		{fmt.Errorf("op: %w", model.ErrPayloadTooLarge), http.StatusRequestEntityTooLarge},
		{fmt.Errorf("op: %w", model.ErrUnsupportedType), http.StatusUnsupportedMediaType},
		{model.FromContext("op", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{fmt.Errorf("op: %w", model.ErrUnauthorized), http.StatusUnauthorized},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tc := range tests {
		require.Equal(t, tc.status, statusFor(tc.err), tc.err.Error())
	}
}

func TestAttachments(t *testing.T) {
	srv := newTestServer(t)
	alice := readyUser(t, srv, "Alice")
	require.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodPost, "/rooms/1/join", alice, nil).Code)

	exact := bytes.Repeat([]byte("a"), testMaxUpload)
	rec := upload(t, srv, alice, "notes.txt", "text/plain", exact)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[struct {
		Attachment model.Attachment `json:"attachment"`
		Kind       model.Kind       `json:"kind"`
	}](t, rec)
	require.Equal(t, model.KindFile, created.Kind)
	require.EqualValues(t, testMaxUpload, created.Attachment.Size)
	require.EqualValues(t, testMaxUpload, srv.Attachments().Usage())

	requireError(t, upload(t, srv, alice, "big.txt", "text/plain", append(exact, 'b')),
		http.StatusRequestEntityTooLarge, "payload_too_large")
	requireError(t, upload(t, srv, alice, "huge.png", "image/png", make([]byte, 10*testMaxUpload)),
		http.StatusRequestEntityTooLarge, "payload_too_large")
	requireError(t, upload(t, srv, alice, "run.exe", "application/x-msdownload", []byte("MZ")),
		http.StatusUnsupportedMediaType, "unsupported_type")
	require.EqualValues(t, testMaxUpload, srv.Attachments().Usage())

	rec = do(t, srv, http.MethodGet, "/attachments/"+created.Attachment.Ref, alice, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, exact, rec.Body.Bytes())
	require.Equal(t, created.Attachment.Digest, rec.Header().Get("X-Content-Digest"))

	// Missing Content-Type falls back to the file extension.
	rec = upload(t, srv, alice, "cat.png", "", []byte("\x89PNG"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	img := decode[struct {
		Attachment model.Attachment `json:"attachment"`
		Kind       model.Kind       `json:"kind"`
	}](t, rec)
	require.Equal(t, model.KindImage, img.Kind)
	require.Equal(t, "image/png", img.Attachment.ContentType)

	requireError(t, doJSON(t, srv, http.MethodPost, "/rooms/1/messages", alice,
		map[string]string{"kind": "image", "attachment": created.Attachment.Ref}), http.StatusBadRequest, "validation")

	rec = doJSON(t, srv, http.MethodPost, "/rooms/1/messages", alice,
		map[string]string{"kind": "image", "attachment": img.Attachment.Ref})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doJSON(t, srv, http.MethodGet, "/rooms/1/messages", alice, nil)
	history := decode[struct {
		Messages []model.Message `json:"messages"`
	}](t, rec)
	require.Len(t, history.Messages, 1)
	require.NotNil(t, history.Messages[0].Attachment)
	require.Equal(t, img.Attachment.Ref, history.Messages[0].Attachment.Ref)
	require.Empty(t, history.Messages[0].Text)
}

func TestAvatar(t *testing.T) {
	srv := newTestServer(t)
	alice := readyUser(t, srv, "Alice")

	body, ct := multipartBody(t, "me.png", "image/png", []byte("\x89PNG"))
	rec := do(t, srv, http.MethodPut, "/session/avatar", alice, body, ct)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ref := decode[map[string]any](t, rec)["user"].(map[string]any)["avatar"].(string)
	require.NotEmpty(t, ref)

	body, ct = multipartBody(t, "doc.pdf", "application/pdf", []byte("%PDF"))
	requireError(t, do(t, srv, http.MethodPut, "/session/avatar", alice, body, ct),
		http.StatusUnsupportedMediaType, "unsupported_type")

	rec = doJSON(t, srv, http.MethodDelete, "/session/avatar", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 0, srv.Attachments().Count())
}

func TestLogout(t *testing.T) {
	srv := newTestServer(t)
	alice := readyUser(t, srv, "Alice")
	require.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodPost, "/rooms/2/join", alice, nil).Code)

	rec := doJSON(t, srv, http.MethodDelete, "/session", alice, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, 0, srv.Rooms().MembersCount(2))

	rec = doJSON(t, srv, http.MethodGet, "/session", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sess := decode[map[string]any](t, rec)
	require.Equal(t, "anonymous", sess["state"])
	require.Nil(t, sess["room_id"])

	// The name is free again.
	bob := doJSON(t, srv, http.MethodPost, "/sessions", "", nil)
	bobToken := decode[map[string]string](t, bob)["token"]
	require.Equal(t, http.StatusOK,
		doJSON(t, srv, http.MethodPut, "/session/name", bobToken, map[string]string{"name": "Alice"}).Code)
}

func TestJournalIsOptional(t *testing.T) {
	tests := []struct {
		name      string
		journaled bool
		want      int
	}{
		{"memory_only", false, 0},
		{"journaled", true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := datastore.NewMemory()
			deps := Dependencies{Store: store}
			if tt.journaled {
				deps.Journal = store
			}
			srv := newTestServerDeps(t, nil, deps)
			alice := readyUser(t, srv, "Alice")
			require.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodPost, "/rooms/1/join", alice, nil).Code)
			require.Equal(t, http.StatusCreated, doJSON(t, srv, http.MethodPost, "/rooms/1/messages", alice,
				map[string]string{"kind": "text", "text": "hello"}).Code)

			stored, err := store.ListMessages(datastore.MessageFilters{RoomID: 1})
			require.NoError(t, err)
			require.Len(t, stored, tt.want)

			rec := do(t, srv, http.MethodGet, "/rooms/1/messages?since=0", alice, nil, "")
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			require.Contains(t, rec.Body.String(), "hello")
		})
	}
}

func TestReapedSessionIsUnauthorized(t *testing.T) {
	srv := newTestServer(t)
	alice := readyUser(t, srv, "Alice")
	require.Equal(t, 1, srv.Sessions().ReapIdle(time.Now().Add(time.Hour), time.Minute))
	requireError(t, doJSON(t, srv, http.MethodGet, "/session", alice, nil), http.StatusUnauthorized, "unauthorized")
}

func TestStream(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	alice := readyUser(t, srv, "Alice")
	bob := readyUser(t, srv, "Bob")
	require.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodPost, "/rooms/3/join", alice, nil).Code)
	require.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodPost, "/rooms/3/join", bob, nil).Code)
	require.Equal(t, http.StatusCreated, doJSON(t, srv, http.MethodPost, "/rooms/3/messages", alice,
		map[string]string{"kind": "text", "text": "before"}).Code)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/rooms/3/ws?since=0&token=" + bob
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var m model.Message
	require.NoError(t, conn.ReadJSON(&m))
	require.Equal(t, "before", m.Text)
	require.Equal(t, int64(1), m.Seq)

	require.Equal(t, http.StatusCreated, doJSON(t, srv, http.MethodPost, "/rooms/3/messages", alice,
		map[string]string{"kind": "text", "text": "live"}).Code)
	require.NoError(t, conn.ReadJSON(&m))
	require.Equal(t, "live", m.Text)
	require.Equal(t, int64(2), m.Seq)

	// Leaving the room ends the stream.
	require.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodPost, "/rooms/leave", bob, nil).Code)
	_, _, err = conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestOpenStreamKeepsSessionAlive(t *testing.T) {
	srv := newTestServerWith(t, func(cfg *Config) {
		cfg.StreamPingInterval = 10 * time.Millisecond
	})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	reader := readyUser(t, srv, "Alice")
	idle := readyUser(t, srv, "Bob")
	require.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodPost, "/rooms/1/join", reader, nil).Code)
	require.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodPost, "/rooms/1/join", idle, nil).Code)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/rooms/1/ws?token=" + reader
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return srv.Metrics().StreamsActive.Load() == 1 },
		time.Second, 5*time.Millisecond)

	time.Sleep(300 * time.Millisecond)
	require.Equal(t, 1, srv.Sessions().ReapIdle(time.Now(), 150*time.Millisecond))

	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/session", reader, nil, "").Code)
	requireError(t, do(t, srv, http.MethodGet, "/session", idle, nil, ""), http.StatusUnauthorized, "unauthorized")
	require.Equal(t, int64(1), srv.Metrics().StreamsActive.Load())
}

func TestStreamRequiresMembership(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	bob := readyUser(t, srv, "Bob")
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/rooms/1/ws?token=" + bob
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t)
	rec := do(t, srv, http.MethodGet, "/healthz", "", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", decode[map[string]any](t, rec)["status"])

	alice := readyUser(t, srv, "Alice")
	require.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodPost, "/rooms/1/join", alice, nil).Code)
	require.Equal(t, http.StatusCreated, doJSON(t, srv, http.MethodPost, "/rooms/1/messages", alice,
		map[string]string{"kind": "text", "text": "hi"}).Code)

	rec = do(t, srv, http.MethodGet, "/metrics", "", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, "roomchat_messages_total 1\n")
	require.Contains(t, body, "roomchat_sessions_active 1\n")
	require.Contains(t, body, "roomchat_room_joins_total 1\n")
	require.Contains(t, body, "# TYPE roomchat_attachment_bytes gauge\n")

	snap := srv.Metrics().Snapshot()
	require.EqualValues(t, 1, snap.TextMessages)
	require.EqualValues(t, 3, snap.Rooms)
}
