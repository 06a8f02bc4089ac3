package node

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stopLog struct {
	sync.Mutex
	names []string
}

func (l *stopLog) add(name string) {
	l.Lock()
	l.names = append(l.names, name)
	l.Unlock()
}

type fakeRunner struct {
	name string
	log  *stopLog
}

func (r *fakeRunner) Run(ctx context.Context, stopDoneNotifyC chan<- struct{}) {
	<-ctx.Done()
	r.log.add(r.name)
	stopDoneNotifyC <- struct{}{}
}

type fakeHub struct{ fakeRunner }

func (h *fakeHub) Stats() (int, int) { return 0, 0 }

func TestNodeServesAndStopsInOrder(t *testing.T) {
	log := &stopLog{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "pong")
	})

	n := NewNode(&Conf{
		Addr: "127.0.0.1:0",
		Mux:  mux,
		Hub:  &fakeHub{fakeRunner{name: "hub", log: log}},
		Workers: []Runner{
			&fakeRunner{name: "journal", log: log},
			nil,
			&fakeRunner{name: "ingester", log: log},
		},
	})
	require.NoError(t, n.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{}, 1)
	go n.Run(ctx, stopped)

	url := fmt.Sprintf("http://%s/ping", n.Addr())
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return string(body) == "pong"
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("node did not stop")
	}
	assert.Equal(t, []string{"hub", "journal", "ingester"}, log.names)

	_, err := http.Get(url)
	assert.Error(t, err)
}

func TestNodeListenError(t *testing.T) {
	n := NewNode(&Conf{Addr: "not an address"})
	assert.Error(t, n.Listen())
	assert.Nil(t, n.Addr())
}
