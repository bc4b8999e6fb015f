package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/streamview/internal/core"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// fakeServer accepts one WebSocket and hands its server side to the test.
func fakeServer(t *testing.T) (string, <-chan *websocket.Conn) {
	t.Helper()
	conns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		conns <- ws
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), conns
}

type recorder struct {
	mu      sync.Mutex
	events  []string
	closes  int
	closeCh chan error
}

func newRecorder() *recorder { return &recorder{closeCh: make(chan error, 4)} }

func (r *recorder) add(e string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) wire(l *Link) {
	l.OnMessage(func(m core.Message) { r.add("text:" + string(m.Type) + ":" + string(m.Channel())) })
	l.OnBinary(func(f core.Frame) { r.add("bin:" + string(f)) })
	l.OnClose(func(err error) {
		r.mu.Lock()
		r.closes++
		r.mu.Unlock()
		r.closeCh <- err
	})
}

func dialTest(t *testing.T, url string) *Link {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	l, err := Dial(ctx, Config{URL: url})
	require.NoError(t, err)
	return l
}

func TestLink_DeliversTextAndBinaryInWireOrder(t *testing.T) {
	url, conns := fakeServer(t)
	l := dialTest(t, url)
	rec := newRecorder()
	rec.wire(l)
	opened := false
	l.OnOpen(func() { opened = true })
	l.Start(context.Background())
	defer l.Close()
	assert.True(t, opened)

	srv := <-conns
	require.NoError(t, srv.WriteMessage(websocket.TextMessage, []byte(`{"type":"frame-metadata","channelId":"A"}`)))
	require.NoError(t, srv.WriteMessage(websocket.BinaryMessage, []byte("X")))
	require.NoError(t, srv.WriteMessage(websocket.TextMessage, []byte(`{not json`)))
	require.NoError(t, srv.WriteMessage(websocket.TextMessage, []byte(`{"type":"frame-metadata","streamId":"B"}`)))
	require.NoError(t, srv.WriteMessage(websocket.BinaryMessage, []byte("Y")))

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 4 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{
		"text:frame-metadata:A", "bin:X", "text:frame-metadata:B", "bin:Y",
	}, rec.snapshot())
}

func TestLink_SendWritesOneTextFrame(t *testing.T) {
	url, conns := fakeServer(t)
	l := dialTest(t, url)
	l.Start(context.Background())
	defer l.Close()
	srv := <-conns

	require.NoError(t, l.Send(core.DialectChannel.Subscribe("cam-1")))

	require.NoError(t, srv.SetReadDeadline(time.Now().Add(2*time.Second)))
	mt, data, err := srv.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "viewer-subscribe", got["type"])
	assert.Equal(t, "cam-1", got["channelId"])
}

func TestLink_SendRejectsUnknownType(t *testing.T) {
	url, _ := fakeServer(t)
	l := dialTest(t, url)
	defer l.Close()

	err := l.Send(core.Message{Type: "shout"})
	assert.ErrorIs(t, err, core.ErrUnknownMessageType)
}

func TestLink_Backpressure(t *testing.T) {
	url, _ := fakeServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	l, err := Dial(ctx, Config{URL: url, SendBuffer: 1})
	require.NoError(t, err)
	defer l.Close()

	// not started: nothing drains the queue
	require.NoError(t, l.Send(core.Message{Type: core.TypePing}))
	assert.ErrorIs(t, l.Send(core.Message{Type: core.TypePing}), core.ErrBackpressure)
}

func TestLink_RemoteCloseFiresOnCloseOnce(t *testing.T) {
	url, conns := fakeServer(t)
	l := dialTest(t, url)
	rec := newRecorder()
	rec.wire(l)
	l.Start(context.Background())

	srv := <-conns
	_ = srv.Close()

	select {
	case <-rec.closeCh:
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose not fired")
	}
	l.Close()
	l.Close()

	rec.mu.Lock()
	assert.Equal(t, 1, rec.closes)
	rec.mu.Unlock()
	assert.ErrorIs(t, l.Send(core.Message{Type: core.TypePing}), core.ErrLinkClosed)
}

func TestLink_ContextCancelCloses(t *testing.T) {
	url, _ := fakeServer(t)
	l := dialTest(t, url)
	rec := newRecorder()
	rec.wire(l)

	ctx, cancel := context.WithCancel(context.Background())
	l.Start(ctx)
	cancel()

	select {
	case err := <-rec.closeCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose not fired")
	}
}

func TestBuildURL(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		host    string
		path    string
		tls     bool
		want    string
		wantErr bool
	}{
		{name: "explicit", raw: "wss://sig.example.com/ws", want: "wss://sig.example.com/ws"},
		{name: "plain", host: "localhost:8080", path: "/ws", want: "ws://localhost:8080/ws"},
		{name: "tls adds slash", host: "sig.example.com", path: "ws", tls: true, want: "wss://sig.example.com/ws"},
		{name: "bad scheme", raw: "http://x", wantErr: true},
		{name: "nothing", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildURL(tt.raw, tt.host, tt.path, tt.tls)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
