package ws

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/mqy/minichat/chatstore"
	"github.com/mqy/minichat/metrics"
	"github.com/mqy/minichat/presence"
)

// Router decides fan-out of send requests. One router serializes all routing
// decisions, so two messages from one session reach the receiver in the order
// they were routed.
type Router struct {
	mu sync.Mutex

	table   *presence.Table[Endpoint]
	journal chatstore.Journal

	maxContentBytes int
	now             func() time.Time
	lastStamp       time.Time
}

func NewRouter(table *presence.Table[Endpoint], journal chatstore.Journal, maxContentBytes int) *Router {
	if journal == nil {
		journal = chatstore.DiscardJournal{}
	}
	return &Router{
		table:           table,
		journal:         journal,
		maxContentBytes: maxContentBytes,
		now:             chatstore.Now,
	}
}

// Route stamps req, records the durable write attempt, delivers `receive` to
// the receiver if online and acks `sent` to from. Rejections are returned and
// nothing is emitted.
func (r *Router) Route(req *SendReq, from Endpoint) (*chatstore.Message, *Error) {
	if err := r.validate(req); err != nil {
		metrics.SendErrors.WithLabelValues(err.Reason).Inc()
		return nil, err
	}

	sender := from.Identity()
	if sender == "" {
		metrics.SendErrors.WithLabelValues(ErrorCodeIdentityMismatch.String()).Inc()
		return nil, newIdentityMismatchError(nil, "session is not registered")
	}
	if req.SenderID != "" && req.SenderID != sender {
		metrics.SendErrors.WithLabelValues(ErrorCodeIdentityMismatch.String()).Inc()
		return nil, newIdentityMismatchError(nil,
			fmt.Sprintf("senderId %q does not match session identity", req.SenderID))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	msg := r.stamp(req, sender)

	if err := r.journal.Record(msg); err != nil {
		// The attempt is made; the store stays the source of truth.
		glog.Errorf("router: journal message %s err: %v", msg.ID, err)
	}

	r.fanout(msg, from)
	return msg, nil
}

// Prepare validates and stamps req on behalf of sender without routing it.
// It serves callers that write the message to the store themselves before
// calling Deliver.
func (r *Router) Prepare(req *SendReq, sender chatstore.UserID) (*chatstore.Message, *Error) {
	if err := r.validate(req); err != nil {
		metrics.SendErrors.WithLabelValues(err.Reason).Inc()
		return nil, err
	}
	if sender == "" || (req.SenderID != "" && req.SenderID != sender) {
		metrics.SendErrors.WithLabelValues(ErrorCodeIdentityMismatch.String()).Inc()
		return nil, newIdentityMismatchError(nil, "senderId does not match the authenticated user")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stamp(req, sender), nil
}

// Deliver fans out an already stored message: `receive` to the receiver and
// `sent` to the sender's registered session, each if online.
func (r *Router) Deliver(msg *chatstore.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	from, _ := r.table.Lookup(msg.SenderID)
	r.fanout(msg, from)
}

func (r *Router) fanout(msg *chatstore.Message, from Endpoint) {
	if to, ok := r.table.Lookup(msg.ReceiverID); ok {
		// A receiver gone since lookup just drops it.
		to.Push(&ServerMsg{Receive: msg})
		metrics.MessagesRouted.WithLabelValues("delivered").Inc()
		glog.V(5).Infof("router: %s delivered %s -> %s", msg.ID, msg.SenderID, msg.ReceiverID)
	} else {
		metrics.MessagesRouted.WithLabelValues("offline").Inc()
		glog.V(5).Infof("router: %s receiver %s offline", msg.ID, msg.ReceiverID)
	}

	if from != nil {
		from.Push(&ServerMsg{Sent: msg})
	}
}

// stamp must be called with r.mu held. Stamps strictly increase by at least
// one millisecond, even if the wall clock goes backwards.
func (r *Router) stamp(req *SendReq, sender chatstore.UserID) *chatstore.Message {
	ts := r.now()
	if !r.lastStamp.IsZero() && !ts.After(r.lastStamp) {
		ts = r.lastStamp.Add(time.Millisecond)
	}
	r.lastStamp = ts

	typ := req.Type
	if typ == "" {
		typ = chatstore.MsgTypeText
	}

	return &chatstore.Message{
		ID:         chatstore.NewMessageID(ts),
		SenderID:   sender,
		ReceiverID: req.ReceiverID,
		Content:    req.Content,
		Type:       typ,
		Timestamp:  ts,
		FileURL:    req.FileURL,
		FileName:   req.FileName,
		FileType:   req.FileType,
	}
}

func (r *Router) validate(req *SendReq) *Error {
	var errs []string
	if err := chatstore.CheckUserID(req.ReceiverID); err != nil {
		errs = append(errs, "receiverId: "+err.Error())
	}
	if req.Content == "" {
		errs = append(errs, "content: is required")
	} else if r.maxContentBytes > 0 && len(req.Content) > r.maxContentBytes {
		errs = append(errs, fmt.Sprintf("content: exceeds limit: %d bytes", r.maxContentBytes))
	}
	if req.Type != "" && !req.Type.Valid() {
		errs = append(errs, fmt.Sprintf("type: unknown %q, expect text, file or call", req.Type))
	}
	if req.Type == chatstore.MsgTypeFile && req.FileURL == "" {
		errs = append(errs, "fileUrl: is required for file messages")
	}
	if len(errs) > 0 {
		return newMalformedError(nil, errs...)
	}
	return nil
}
