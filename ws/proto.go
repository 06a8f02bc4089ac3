package ws

import (
	"fmt"
	"strings"

	"github.com/mqy/minichat/chatstore"
)

// ClientMsg is a frame from client. Exactly one field is set.
type ClientMsg struct {
	Register *RegisterReq `json:"register,omitempty"`
	Send     *SendReq     `json:"send,omitempty"`
}

type RegisterReq struct {
	Identity chatstore.UserID `json:"identity"`
}

// SendReq asks the router to deliver a message. SenderID may be empty, in
// which case the session identity is used.
type SendReq struct {
	SenderID   chatstore.UserID  `json:"senderId,omitempty"`
	ReceiverID chatstore.UserID  `json:"receiverId"`
	Content    string            `json:"content"`
	Type       chatstore.MsgType `json:"type,omitempty"`
	FileURL    string            `json:"fileUrl,omitempty"`
	FileName   string            `json:"fileName,omitempty"`
	FileType   string            `json:"fileType,omitempty"`
}

// ServerMsg is a frame to client. Exactly one field is set.
type ServerMsg struct {
	Registered  *Registered        `json:"registered,omitempty"`
	Presence    *Presence          `json:"presence,omitempty"`
	UserOffline *UserOffline       `json:"userOffline,omitempty"`
	Sent        *chatstore.Message `json:"sent,omitempty"`
	Receive     *chatstore.Message `json:"receive,omitempty"`
	Error       *Error             `json:"error,omitempty"`
}

type Registered struct {
	Identity chatstore.UserID `json:"identity"`
}

type Presence struct {
	Online []chatstore.UserID `json:"online"`
}

type UserOffline struct {
	Identity chatstore.UserID `json:"identity"`
}

type ErrorCode int

// Numbering follows gRPC status codes.
const (
	ErrorCodeMalformedRequest ErrorCode = 3
	ErrorCodeIdentityMismatch ErrorCode = 7
	ErrorCodeUnsupported      ErrorCode = 12
	ErrorCodeInternal         ErrorCode = 13
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeMalformedRequest:
		return "MalformedRequest"
	case ErrorCodeIdentityMismatch:
		return "IdentityMismatch"
	case ErrorCodeUnsupported:
		return "Unsupported"
	case ErrorCodeInternal:
		return "Internal"
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// Error is the sendError event. It only ever goes to the session that caused it.
type Error struct {
	Code   ErrorCode  `json:"code"`
	Reason string     `json:"reason"`
	Params []string   `json:"params,omitempty"`
	Req    *ClientMsg `json:"req,omitempty"`
}

func (e *Error) Error() string {
	if len(e.Params) == 0 {
		return e.Reason
	}
	return e.Reason + ": " + strings.Join(e.Params, "; ")
}

func newError(code ErrorCode, req *ClientMsg, params ...string) *Error {
	return &Error{
		Code:   code,
		Reason: code.String(),
		Params: params,
		Req:    req,
	}
}

func newMalformedError(req *ClientMsg, errs ...string) *Error {
	return newError(ErrorCodeMalformedRequest, req, errs...)
}

func newIdentityMismatchError(req *ClientMsg, param string) *Error {
	return newError(ErrorCodeIdentityMismatch, req, param)
}
