package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/golang/glog"

	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/chatstore"
	"github.com/mqy/minichat/client"
)

// The demo runs two users against a running server: they exchange a message
// every tick, then reconcile their local conversation with the server history.

var (
	server         = flag.String("server", "127.0.0.1:8000", "chat server address, ip:port")
	users          = flag.String("users", "alice,bob", "two comma separated user ids")
	tickerDuration = flag.Duration("ticker-duration", 3*time.Second, "ticker duration")
	rounds         = flag.Int("rounds", 5, "messages each user sends; 0 means until interrupted")
)

type peer struct {
	id     chatstore.UserID
	other  chatstore.UserID
	ws     *client.Client
	hc     *client.HistoryClient
	conv   *client.Conversation
	chats  *client.ChatList
	search *client.Debouncer[[]chatstore.UserID]
}

func newPeer(id, other chatstore.UserID) *peer {
	p := &peer{
		id:    id,
		other: other,
		ws: client.New(client.Config{
			URL:       fmt.Sprintf("ws://%s/ws", *server),
			Identity:  id,
			Header:    http.Header{auth.UIDHeader: []string{string(id)}},
			Reconnect: client.DefaultReconnectPolicy,
		}),
		hc:    client.NewHistoryClient("http://"+*server, id),
		conv:  client.NewConversation(id, other),
		chats: client.NewChatList(id),
	}
	p.search = client.NewDebouncer(client.DefaultDebounceWait, p.hc.Search,
		func(term string, found []chatstore.UserID, err error) {
			if err != nil {
				glog.Errorf("%s: search %q: %v", p.id, term, err)
				return
			}
			glog.Infof("%s: search %q: %v", p.id, term, found)
		})
	return p
}

func (p *peer) consume() {
	for ev := range p.ws.Events() {
		if ev.Msg == nil {
			glog.Infof("%s: %s %v", p.id, ev.State, ev.Err)
			continue
		}
		switch m := ev.Msg; {
		case m.Receive != nil:
			p.conv.Merge(m.Receive)
			p.chats.Apply(m.Receive)
			glog.Infof("%s: <- %s: %s", p.id, m.Receive.SenderID, m.Receive.Content)
		case m.Sent != nil:
			p.conv.Merge(m.Sent)
			p.chats.Apply(m.Sent)
		case m.Presence != nil:
			glog.Infof("%s: online %v", p.id, m.Presence.Online)
		case m.UserOffline != nil:
			glog.Infof("%s: %s went offline", p.id, m.UserOffline.Identity)
		case m.Error != nil:
			glog.Errorf("%s: error: %v", p.id, m.Error)
		}
	}
}

func (p *peer) sync(ctx context.Context) {
	n, err := p.hc.Sync(ctx, p.conv)
	if err != nil {
		glog.Errorf("%s: sync history: %v", p.id, err)
		return
	}
	convs, err := p.hc.Conversations(ctx)
	if err != nil {
		glog.Errorf("%s: conversations: %v", p.id, err)
		return
	}
	p.chats.Set(convs)
	glog.Infof("%s: history merged %d new, conversation has %d messages, %d chats",
		p.id, n, p.conv.Len(), len(p.chats.List()))
}

func main() {
	flag.Parse()
	defer glog.Flush()

	ids := strings.Split(*users, ",")
	if len(ids) != 2 || ids[0] == "" || ids[1] == "" || ids[0] == ids[1] {
		fmt.Fprintln(os.Stderr, "--users expects two distinct ids")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a := newPeer(chatstore.UserID(ids[0]), chatstore.UserID(ids[1]))
	b := newPeer(chatstore.UserID(ids[1]), chatstore.UserID(ids[0]))
	peers := []*peer{a, b}

	var wg sync.WaitGroup
	for _, p := range peers {
		wg.Add(2)
		go func(p *peer) {
			defer wg.Done()
			if err := p.ws.Run(ctx); err != nil && ctx.Err() == nil {
				glog.Errorf("%s: %v", p.id, err)
				cancel()
			}
		}(p)
		go func(p *peer) {
			defer wg.Done()
			p.consume()
		}(p)
	}

	ticker := time.NewTicker(*tickerDuration)
	defer ticker.Stop()

	for i := 1; *rounds == 0 || i <= *rounds; i++ {
		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
		if ctx.Err() != nil {
			break
		}
		for _, p := range peers {
			content := fmt.Sprintf("hello %s #%d", p.other, i)
			if err := p.ws.SendText(p.other, content); err != nil {
				glog.Errorf("%s: send: %v", p.id, err)
			}
			// type the peer id one key at a time; only the last search runs.
			for n := 1; n <= len(p.other); n++ {
				p.search.Trigger(string(p.other)[:n])
			}
		}
	}

	// let the journal catch up before reading history back.
	time.Sleep(time.Second)
	for _, p := range peers {
		p.sync(context.Background())
		p.search.Stop()
	}

	cancel()
	wg.Wait()
}
