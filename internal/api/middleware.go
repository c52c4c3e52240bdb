package api

import (
	"fmt"
	"net/http"
)

func (s *OpsdeskApp) errorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				var panicError error
				switch e := err.(type) {
				case error:
					panicError = e
				default:
					panicError = fmt.Errorf("%v", e)
				}
				s.log.Printf("panic serving %s %s: %v", r.Method, r.URL.Path, panicError)
				w.Header().Set("Connection", "close")
				s.writeError(w, NewInternalServerError(panicError))
				return
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// authMiddleware resolves the session cookie to a user id. Handlers behind
// it can rely on UserId. The feed upgrade is behind it too, so a client
// without a session gets a 401 instead of a socket. A cookie that no longer
// verifies is cleared so the client logs in again.
func (s *OpsdeskApp) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokenCookie, err := r.Cookie(tokenCookieKey)
		if err != nil {
			s.writeError(w, NewUnauthorizedError())
			return
		}

		userId, err := s.extractUserIdFromToken(tokenCookie.Value)
		if err != nil {
			s.log.Printf("rejected session for %s %s: %v", r.Method, r.URL.Path, err)
			http.SetCookie(w, expiredJwtCookie())
			s.writeError(w, NewUnauthorizedError())
			return
		}

		ctx := WithUserId(r.Context(), userId)
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")

		next(w, r.WithContext(ctx))
	}
}
