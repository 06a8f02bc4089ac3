package auth

import (
	"net/http"

	"github.com/mqy/minichat/chatstore"
)

type Client interface {
	// Auth authenticate current user, return uid.
	Auth(r *http.Request) (chatstore.UserID, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(r *http.Request) (chatstore.UserID, error)

func (f ClientFunc) Auth(r *http.Request) (chatstore.UserID, error) { return f(r) }
