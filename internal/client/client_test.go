package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datafund/datacore-messaging/internal/client/config"
	"github.com/datafund/datacore-messaging/internal/client/relayclient"
	"github.com/datafund/datacore-messaging/internal/inbox"
	"github.com/datafund/datacore-messaging/internal/relay/wire"
	"github.com/datafund/datacore-messaging/internal/util/testutil"
	"github.com/datafund/datacore-messaging/relay"
)

func newSender(t *testing.T) (*Sender, *inbox.Store, *config.Config) {
	t.Helper()
	cfg := &config.Config{Root: t.TempDir()}
	cfg.Identity.Name = "tex"
	cfg.Messaging.DefaultSpace = "1-team"
	store := inbox.NewStore(cfg.Root, cfg.Messaging.DefaultSpace)
	return NewSender(cfg, store), store, cfg
}

func TestSendWritesLocalInbox(t *testing.T) {
	s, store, _ := newSender(t)

	res, err := s.Send(context.Background(), "gregor", "hello there", SendOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, res.MsgID)
	assert.False(t, res.Delivered, "no relay configured")

	recs, err := store.Scan("gregor")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "tex", recs[0].From())
	assert.Equal(t, "hello there", recs[0].Body)
}

func TestSendClaudeShortcutWritesAgentInbox(t *testing.T) {
	s, store, _ := newSender(t)

	res, err := s.Send(context.Background(), "claude", "do X", SendOptions{})
	require.NoError(t, err)
	assert.False(t, res.Delivered)

	// The durable append landed in the agent inbox despite no relay.
	recs, err := store.Scan("tex-claude")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "do X", recs[0].Body)
	assert.Equal(t, inbox.TagUnread, recs[0].Tag)
}

func TestSendReplyAdoptsParentThread(t *testing.T) {
	s, store, _ := newSender(t)

	parent, err := store.Append(inbox.Draft{
		From: "gregor", To: "tex", Text: "question", Thread: "thread-msg-origin",
	})
	require.NoError(t, err)

	res, err := s.Send(context.Background(), "gregor", "answer", SendOptions{ReplyTo: parent})
	require.NoError(t, err)
	assert.Equal(t, "thread-msg-origin", res.Thread)

	recs, err := store.Scan("gregor")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, parent, recs[0].ReplyTo())
}

func TestSendReplySynthesizesThreadForUnknownParent(t *testing.T) {
	s, _, _ := newSender(t)

	res, err := s.Send(context.Background(), "gregor", "late reply",
		SendOptions{ReplyTo: "msg-20251212-090000-gregor"})
	require.NoError(t, err)
	assert.Equal(t, "thread-msg-20251212-090000-gregor", res.Thread)
}

func TestSendCompleteMarksTaskDone(t *testing.T) {
	s, store, _ := newSender(t)

	task, err := store.Append(inbox.Draft{From: "gregor", To: "tex-claude", Text: "do the thing"})
	require.NoError(t, err)

	res, err := s.Send(context.Background(), "gregor", "done, see results",
		SendOptions{From: "tex-claude", Complete: task})
	require.NoError(t, err)
	assert.True(t, res.Completed)

	recs, err := store.Scan("tex-claude")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, inbox.TagDone, recs[0].Tag)
	assert.Equal(t, inbox.TaskDone, recs[0].TaskStatus())
	// The reply joins the task's synthesized thread.
	assert.Equal(t, "thread-"+task, res.Thread)
}

func TestSendRoutesIndependently(t *testing.T) {
	s, store, _ := newSender(t)

	res, err := s.Send(context.Background(), "gregor", "summary",
		SendOptions{Route: []string{"@alice", "file:notes/log.md"}})
	require.NoError(t, err)
	require.Len(t, res.Routes, 2)
	assert.True(t, res.Routes[0].OK)
	assert.True(t, res.Routes[1].OK)

	ccRecs, err := store.Scan("alice")
	require.NoError(t, err)
	assert.Len(t, ccRecs, 1)
}

func TestSendViaRelay(t *testing.T) {
	s, _, cfg := newSender(t)

	srv, err := relay.NewServer(relay.ServerConfig{Addr: "127.0.0.1:0", Secret: "s3cret"})
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.ServeListener(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	url := "ws://" + ln.Addr().String() + "/ws"
	cfg.Messaging.Relay.URL = url
	cfg.Messaging.Relay.Secret = "s3cret"

	// Recipient online via a persistent client.
	gregor := relayclient.New(relayclient.Options{URL: url, Secret: "s3cret", Username: "gregor"})
	cctx, ccancel := context.WithCancel(context.Background())
	cdone := make(chan struct{})
	go func() {
		defer close(cdone)
		_ = gregor.Run(cctx)
	}()
	t.Cleanup(func() {
		ccancel()
		<-cdone
	})
	testutil.RequireEventually(t, func() bool {
		for _, u := range srv.OnlineUsers() {
			if u == "gregor" {
				return true
			}
		}
		return false
	})

	res, err := s.Send(context.Background(), "gregor", "over the wire", SendOptions{})
	require.NoError(t, err)
	assert.True(t, res.Delivered)

	deadline := time.After(10 * time.Second)
	for {
		select {
		case e := <-gregor.Events():
			if msg, ok := e.(*wire.Message); ok {
				assert.Equal(t, "tex", msg.From)
				assert.Equal(t, "over the wire", msg.Text)
				assert.Equal(t, res.MsgID, msg.MsgID)
				return
			}
		case <-deadline:
			t.Fatal("message never arrived")
		}
	}
}

func TestReceiveDeduplicates(t *testing.T) {
	s, store, _ := newSender(t)

	msg := &wire.Message{
		Type: wire.TypeMessage, From: "gregor", Text: "ping",
		MsgID: "msg-20251212-100000-gregor",
	}

	id, err := s.Receive("tex", msg)
	require.NoError(t, err)
	assert.Equal(t, "msg-20251212-100000-gregor", id)

	// Second delivery of the same id is a no-op.
	id, err = s.Receive("tex", msg)
	require.NoError(t, err)
	assert.Empty(t, id)

	recs, err := store.Scan("tex")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}
