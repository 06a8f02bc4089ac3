// Package node runs one chat server process: the http server, the hub and the
// background workers that move messages into the store.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/golang/glog"
)

const statsInterval = 5 * time.Minute

// Runner is a background component that stops when ctx is done, then
// notifies stopDoneNotifyC.
type Runner interface {
	Run(ctx context.Context, stopDoneNotifyC chan<- struct{})
}

// Hub is the realtime part of a node.
type Hub interface {
	Runner
	Stats() (sessions, online int)
}

type Conf struct {
	Addr string
	Mux  http.Handler
	Hub  Hub

	// Workers stop after the hub, in order, so that messages routed before
	// the hub stopped are still written. Nil entries are skipped.
	Workers []Runner
}

// Node is a single process server.
type Node struct {
	conf       *Conf
	httpServer *http.Server
	lis        net.Listener
}

func NewNode(conf *Conf) *Node {
	return &Node{
		conf:       conf,
		httpServer: &http.Server{Handler: conf.Mux, ReadHeaderTimeout: 10 * time.Second},
	}
}

// Listen binds the server address; Run calls it if it was not called.
func (n *Node) Listen() error {
	if n.lis != nil {
		return nil
	}
	lis, err := net.Listen("tcp", n.conf.Addr)
	if err != nil {
		return fmt.Errorf("listen %s error: %v", n.conf.Addr, err)
	}
	n.lis = lis
	return nil
}

// Addr returns the listening address, or nil before Listen.
func (n *Node) Addr() net.Addr {
	if n.lis == nil {
		return nil
	}
	return n.lis.Addr()
}

func (n *Node) Run(ctx context.Context, stopNotifyCh chan<- struct{}) {
	glog.Infof("node is starting")

	if err := n.Listen(); err != nil {
		glog.Error(err)
		panic(err)
	}

	go func() {
		glog.Infof("http server is listening %v", n.lis.Addr())
		if err := n.httpServer.Serve(n.lis); errors.Is(err, http.ErrServerClosed) {
			glog.Infof("http server closed")
		} else if err != nil {
			err := fmt.Errorf("error serve http mux server: %v", err)
			glog.Error(err)
			panic(err)
		}
	}()

	hubCtx, hubCancel := context.WithCancel(context.Background())
	hubStopDoneC := make(chan struct{}, 1)
	go n.conf.Hub.Run(hubCtx, hubStopDoneC)

	type worker struct {
		cancel context.CancelFunc
		done   chan struct{}
	}
	var workers []worker
	for _, r := range n.conf.Workers {
		if r == nil {
			continue
		}
		wctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{}, 1)
		go r.Run(wctx, done)
		workers = append(workers, worker{cancel: cancel, done: done})
	}

	ticker := time.NewTicker(statsInterval)

	defer func() {
		ticker.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := n.httpServer.Shutdown(shutdownCtx); err != nil {
			glog.Errorf("node: http server shutdown err: %v", err)
		}
		glog.Infof("node: http server shutdown done")

		hubCancel()
		<-hubStopDoneC
		glog.Infof("node: hub stopped")

		for i, w := range workers {
			w.cancel()
			<-w.done
			glog.Infof("node: worker #%d stopped", i)
		}

		glog.Infof("node: stopped")
		stopNotifyCh <- struct{}{}
	}()

	glog.Infof("node is running")

	for {
		select {
		case <-ctx.Done():
			glog.Infof("node is stopping")
			return
		case <-ticker.C:
			sessions, online := n.conf.Hub.Stats()
			glog.Infof("node: sessions: %d, online users: %d", sessions, online)
		}
	}
}
