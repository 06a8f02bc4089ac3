package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/mqy/minichat/chatstore"
)

const (
	UIDCookie = "x-uid"
	UIDHeader = "X-User-Id"
)

// MockClient trusts the uid the caller claims, from cookie `x-uid` or header
// `X-User-Id`. For development only.
type MockClient struct {
	Client
}

func (c *MockClient) Auth(r *http.Request) (chatstore.UserID, error) {
	var uidStr string

	if c, err := r.Cookie(UIDCookie); err == nil {
		uidStr = c.Value
	}
	if uidStr == "" {
		uidStr = r.Header.Get(UIDHeader)
	}

	uidStr = strings.TrimSpace(uidStr)
	if uidStr == "" {
		return "", fmt.Errorf("empty %s from cookie or %s from header", UIDCookie, UIDHeader)
	}
	uid := chatstore.UserID(uidStr)
	if err := chatstore.CheckUserID(uid); err != nil {
		return "", fmt.Errorf("uid: %v", err)
	}
	return uid, nil
}
