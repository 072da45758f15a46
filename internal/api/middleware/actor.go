package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/eduzayn/Educhat-Versao-Final-sub001/pkg/models"
)

type contextKey string

// ActorKey is the context key for the acting user.
const ActorKey contextKey = "actor"

// ActorExtractor reads the acting user from the X-User-Id and X-Supervisor
// headers. Requests without X-User-Id carry an empty actor.
func ActorExtractor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := models.Actor{UserID: strings.TrimSpace(r.Header.Get("X-User-Id"))}
		if v := r.Header.Get("X-Supervisor"); v != "" {
			actor.Supervisor, _ = strconv.ParseBool(strings.TrimSpace(v))
		}
		ctx := context.WithValue(r.Context(), ActorKey, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetActor retrieves the acting user from the request context.
func GetActor(ctx context.Context) models.Actor {
	if v, ok := ctx.Value(ActorKey).(models.Actor); ok {
		return v
	}
	return models.Actor{}
}
