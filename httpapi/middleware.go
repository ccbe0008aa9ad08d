package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"settleflow/deal"
	"settleflow/httpx"
)

type contextKey string

const actorKey contextKey = "actor"

func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		a.log.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)))
	})
}

func (a *API) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := a.bearerActor(r)
		if !ok {
			httpx.WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey, actor)))
	})
}

func (a *API) bearerActor(r *http.Request) (deal.Actor, bool) {
	header := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || token == "" {
		return deal.Actor{}, false
	}
	userID, role, err := a.auth.VerifyToken(token)
	if err != nil {
		return deal.Actor{}, false
	}
	return deal.Actor{UserID: userID, Role: string(role)}, true
}

func actorFrom(r *http.Request) deal.Actor {
	actor, _ := r.Context().Value(actorKey).(deal.Actor)
	return actor
}
