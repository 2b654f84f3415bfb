package middleware

import (
	"net/http"
	"strings"

	"github.com/angelmondragon/fulfillment-backoffice/pkg/logger"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/outbox"
)

const operatorHeader = "X-Operator-Id"

// Operator records which back-office operator issued the request. Requests
// without the header are attributed to no one; authentication happens upstream.
func Operator(logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			operator := strings.TrimSpace(r.Header.Get(operatorHeader))
			if operator == "" {
				next.ServeHTTP(w, r)
				return
			}
			ctx := WithOperator(r.Context(), operator)
			ctx = outbox.WithActor(ctx, outbox.ActorRef{Ref: operator, Role: outbox.RoleOperator})
			if logg != nil {
				ctx = logg.WithActor(ctx, operator)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
