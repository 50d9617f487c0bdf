package chat

import (
	"context"
	"testing"
	"time"

	"github.com/chenxilol/duplexhub/internal/hub"
	"github.com/chenxilol/duplexhub/internal/session"
	"github.com/chenxilol/duplexhub/internal/websocket"
	"github.com/chenxilol/duplexhub/internal/wstest"
	"github.com/stretchr/testify/require"
)

type client struct {
	conn *wstest.MockWSConn
	done chan error
}

func join(t *testing.T, h *hub.Hub, id string) *client {
	t.Helper()
	conn := wstest.NewMockWSConn()
	sess, err := session.Open(context.Background(), id, conn, session.DefaultConfig(), nil)
	require.NoError(t, err)

	c := &client{conn: conn, done: make(chan error, 1)}
	go func() { c.done <- Serve(context.Background(), sess, h, 0) }()
	return c
}

func (c *client) leave(t *testing.T) {
	t.Helper()
	c.conn.Close()
	select {
	case <-c.done:
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after the connection closed")
	}
}

func (c *client) expect(t *testing.T, want ...string) {
	t.Helper()
	written, ok := c.conn.WaitWritten(len(want), time.Second)
	require.True(t, ok, "got %v, want %v", written, want)
	require.Equal(t, want, written)
}

func TestServe_BroadcastScenario(t *testing.T) {
	h := hub.New(hub.DefaultConfig())
	defer h.Close()

	a := join(t, h, "a")
	a.expect(t, hub.DefaultWelcome)
	b := join(t, h, "b")
	b.expect(t, hub.DefaultWelcome)

	a.conn.Feed(websocket.TextMessage, "  hello ")
	a.expect(t, hub.DefaultWelcome, "hello")
	b.expect(t, hub.DefaultWelcome, "hello")

	c := join(t, h, "c")
	c.expect(t, hub.DefaultWelcome)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, []string{hub.DefaultWelcome}, c.conn.Written())
	require.Equal(t, []string{hub.DefaultWelcome, "hello"}, a.conn.Written())
	require.Equal(t, 3, h.Count())

	for _, cl := range []*client{a, b, c} {
		cl.leave(t)
	}
	require.Equal(t, 0, h.Count())
}

func TestServe_PublishOrderAcrossClients(t *testing.T) {
	h := hub.New(hub.Config{WelcomeMessage: ""})
	defer h.Close()

	a := join(t, h, "a")
	b := join(t, h, "b")
	require.Eventually(t, func() bool { return h.Count() == 2 }, time.Second, 5*time.Millisecond)

	msgs := []string{"1", "2", "3", "4", "5"}
	for _, m := range msgs {
		a.conn.Feed(websocket.TextMessage, m)
	}
	a.expect(t, msgs...)
	b.expect(t, msgs...)

	a.leave(t)
	b.leave(t)
}

func TestServe_NonTextIgnored(t *testing.T) {
	h := hub.New(hub.Config{WelcomeMessage: ""})
	defer h.Close()

	a := join(t, h, "a")
	require.Eventually(t, func() bool { return h.Count() == 1 }, time.Second, 5*time.Millisecond)

	a.conn.Feed(websocket.BinaryMessage, "blob")
	a.conn.Feed(websocket.TextMessage, "text")
	a.expect(t, "text")

	a.leave(t)
}

func TestServe_SubscribeFailureClosesSession(t *testing.T) {
	h := hub.New(hub.DefaultConfig())
	require.NoError(t, h.Close())

	a := join(t, h, "a")
	select {
	case err := <-a.done:
		require.ErrorIs(t, err, hub.ErrHubClosed)
	case <-time.After(time.Second):
		t.Fatal("Serve did not fail")
	}
	require.True(t, a.conn.IsClosed())
}

func TestServe_HubCloseEndsSession(t *testing.T) {
	h := hub.New(hub.DefaultConfig())
	a := join(t, h, "a")
	a.expect(t, hub.DefaultWelcome)

	require.NoError(t, h.Close())
	select {
	case <-a.done:
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after hub close")
	}
	require.True(t, a.conn.IsClosed())
}
