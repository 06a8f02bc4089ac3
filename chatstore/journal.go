package chatstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/mqy/minichat/metrics"
)

const (
	BackoffMinInterval = 1 * time.Second
	BackoffMaxInterval = 60 * time.Second
	BackoffMultiplier  = 1.5

	// write attempts per message before the writer gives up on it.
	maxWriteAttempts = 5

	// per attempt timeout, also used when draining the queue on stop.
	writeTimeout = 3 * time.Second
)

// ErrJournalFull is returned by Record when the queue can not take more messages.
var ErrJournalFull = errors.New("journal queue is full")

// ErrJournalClosed is returned by Record after the writer stopped.
var ErrJournalClosed = errors.New("journal is closed")

// Journal records the durable write attempt of a routed message.
// Record must not block on I/O.
type Journal interface {
	Record(msg *Message) error
}

// Sink is where a Writer puts messages.
type Sink interface {
	Write(ctx context.Context, msg *Message) error
}

// StoreSink appends messages to a Store directly.
type StoreSink struct {
	Store Store
}

func (s StoreSink) Write(ctx context.Context, msg *Message) error {
	_, err := s.Store.AppendMessage(ctx, msg)
	return err
}

// Writer is a Journal that hands messages to a Sink on its own goroutine,
// retrying failed writes with backoff.
type Writer struct {
	sync.Mutex
	name    string
	sink    Sink
	queue   chan *Message
	closed  bool
	backoff func(*time.Duration)
}

func NewWriter(name string, sink Sink, queueSize int) *Writer {
	return &Writer{
		name:    name,
		sink:    sink,
		queue:   make(chan *Message, queueSize),
		backoff: backoff,
	}
}

// Record implements Journal.
func (w *Writer) Record(msg *Message) error {
	w.Lock()
	defer w.Unlock()
	if w.closed {
		metrics.JournalFailures.WithLabelValues(w.name).Inc()
		return ErrJournalClosed
	}
	select {
	case w.queue <- msg:
		return nil
	default:
		metrics.JournalFailures.WithLabelValues(w.name).Inc()
		return ErrJournalFull
	}
}

// Run writes queued messages until ctx is done, then flushes what is left without retries.
func (w *Writer) Run(ctx context.Context, stopDoneNotifyC chan<- struct{}) {
	glog.Infof("journal %s: ready", w.name)
	defer func() {
		glog.Infof("journal %s: stopped", w.name)
		stopDoneNotifyC <- struct{}{}
	}()

	for {
		select {
		case <-ctx.Done():
			w.Lock()
			w.closed = true
			close(w.queue)
			w.Unlock()

			var n int
			for msg := range w.queue {
				w.writeOnce(context.Background(), msg)
				n++
			}
			glog.Infof("journal %s: flushed %d messages on stop", w.name, n)
			return
		case msg := <-w.queue:
			w.write(ctx, msg)
		}
	}
}

func (w *Writer) writeOnce(ctx context.Context, msg *Message) error {
	ctx2, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	err := w.sink.Write(ctx2, msg)
	if err != nil {
		metrics.JournalFailures.WithLabelValues(w.name).Inc()
		glog.Errorf("journal %s: write message %s err: %v", w.name, msg.ID, err)
	}
	return err
}

func (w *Writer) write(ctx context.Context, msg *Message) {
	var sleep time.Duration
	for i := 1; ; i++ {
		err := w.writeOnce(ctx, msg)
		if err == nil {
			glog.V(5).Infof("journal %s: saved %s", w.name, msg.ID)
			return
		}
		if i == maxWriteAttempts {
			glog.Errorf("journal %s: drop message %s after %d attempts", w.name, msg.ID, i)
			return
		}
		w.backoff(&sleep)
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			// Run flushes the rest; give this one a last try.
			_ = w.writeOnce(context.Background(), msg)
			return
		}
	}
}

func backoff(d *time.Duration) {
	if *d == 0 {
		*d = BackoffMinInterval
	} else {
		*d = time.Duration(float64(*d) * BackoffMultiplier)
		if *d < BackoffMaxInterval {
			*d = d.Truncate(time.Millisecond)
		} else {
			*d = BackoffMinInterval
		}
	}
}

// DiscardJournal drops everything; for tests and tools that have no store.
type DiscardJournal struct{}

func (DiscardJournal) Record(*Message) error { return nil }

// JournalFunc adapts a function to Journal.
type JournalFunc func(msg *Message) error

func (f JournalFunc) Record(msg *Message) error { return f(msg) }

func validateForStore(msg *Message) error {
	if msg.ID == "" {
		return fmt.Errorf("message id is empty")
	}
	if err := CheckUserID(msg.SenderID); err != nil {
		return fmt.Errorf("message %s: senderId: %v", msg.ID, err)
	}
	if err := CheckUserID(msg.ReceiverID); err != nil {
		return fmt.Errorf("message %s: receiverId: %v", msg.ID, err)
	}
	if msg.Timestamp.IsZero() {
		return fmt.Errorf("message %s: timestamp is zero", msg.ID)
	}
	return nil
}
