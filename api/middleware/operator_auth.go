package middleware

import (
	"net/http"
	"strings"

	"github.com/angelmondragon/fulfillment-backoffice/api/responses"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/auth"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/config"
	pkgerrors "github.com/angelmondragon/fulfillment-backoffice/pkg/errors"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/logger"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/outbox"
)

// OperatorAuth requires a gateway-signed bearer token and attributes the
// request to its subject, replacing any X-Operator-Id header.
func OperatorAuth(cfg config.OperatorAuthConfig, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get("Authorization"))
			token := raw
			if strings.HasPrefix(strings.ToLower(token), "bearer ") {
				token = strings.TrimSpace(token[7:])
			}
			if token == "" {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
				return
			}

			claims, err := auth.ParseOperatorToken(cfg, token)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid token"))
				return
			}

			operator := claims.OperatorID()
			ctx := WithOperator(r.Context(), operator)
			ctx = outbox.WithActor(ctx, outbox.ActorRef{Ref: operator, Role: outbox.RoleOperator})
			if logg != nil {
				ctx = logg.WithActor(ctx, operator)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
