package websocket

import (
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestWebsocketURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "http://127.0.0.1:8080/decide", want: "ws://127.0.0.1:8080/decide"},
		{in: "https://fw.example.com/ws", want: "wss://fw.example.com/ws"},
		{in: "ws://fw.example.com", want: "ws://fw.example.com"},
		{in: "ftp://fw.example.com", wantErr: true},
		{in: "http://", wantErr: true},
	}

	for _, tt := range tests {
		got, err := websocketURL(tt.in)
		if tt.wantErr {
			require.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		require.Equal(t, tt.want, got)
	}
}

func TestClientSendAndReceive(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan WSMessage, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		received <- msg
		conn.WriteJSON(WSMessage{Type: "fw/ack", Data: "ok"})

		// hold the connection until the client closes it
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, WithReconnectInterval(10*time.Millisecond))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(client.Endpoint(), "ws://"))

	acked := make(chan WSMessage, 1)
	client.RegisterHandler("fw/ack", func(m WSMessage) { acked <- m })

	require.Error(t, client.SendMessage("fw/classify", nil), "send before connect must fail")

	require.NoError(t, client.Connect())
	require.Eventually(t, client.IsConnected, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, client.SendMessage("fw/classify", map[string]int{"payloadLength": 0}))

	select {
	case msg := <-received:
		require.Equal(t, "fw/classify", msg.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive message")
	}

	select {
	case msg := <-acked:
		require.Equal(t, "ok", msg.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("handler not invoked")
	}

	require.NoError(t, client.Close())
	require.False(t, client.IsConnected())
	require.NoError(t, client.Close(), "second close must be a no-op")
}

func TestClientDialsPinnedAddrs(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	// .invalid never resolves, so only the pinned address can work
	client, err := NewClient("http://engine.invalid:"+u.Port()+"/ws",
		WithReconnectInterval(10*time.Millisecond),
		WithDialAddrs([]netip.Addr{netip.MustParseAddr("127.0.0.1")}))
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Connect())
	require.Eventually(t, client.IsConnected, 2*time.Second, 5*time.Millisecond)
}
