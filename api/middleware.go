package api

import (
	"context"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/golang/glog"

	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/chatstore"
)

type contextKey string

const uidContextKey contextKey = "uid"

// requireAuth resolves the caller with authClient and stores the uid in the
// request context.
func requireAuth(authClient auth.Client) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			uid, err := authClient.Auth(r)
			if err != nil {
				glog.V(5).Infof("api: authenticate error: %v", err)
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			ctx := context.WithValue(r.Context(), uidContextKey, uid)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// callerID returns the authenticated uid; requireAuth must run first.
func callerID(r *http.Request) chatstore.UserID {
	uid, _ := r.Context().Value(uidContextKey).(chatstore.UserID)
	return uid
}

func maxBodySize(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, n)
			next.ServeHTTP(w, r)
		})
	}
}

func logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status >= http.StatusInternalServerError {
			glog.Errorf("api: %s %s %d %s, request_id: %s", r.Method, r.URL.Path, status,
				time.Since(start), chimw.GetReqID(r.Context()))
		} else {
			glog.V(5).Infof("api: %s %s %d %s", r.Method, r.URL.Path, status, time.Since(start))
		}
	})
}
