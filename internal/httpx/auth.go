package httpx

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/ariefcatur/go-mpesa-payments/internal/payments"
	"github.com/golang-jwt/jwt/v5"
)

type callerKey struct{}

// CallerFrom returns the caller put on the context by Auth.
func CallerFrom(ctx context.Context) (payments.Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(payments.Caller)
	return c, ok
}

func WithCaller(ctx context.Context, c payments.Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// Auth validates an HS256 bearer token and puts its sub and role claims on
// the request context.
func Auth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			tokenStr, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || tokenStr == "" {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing auth"})
				return
			}

			token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
				return []byte(secret), nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err != nil || !token.Valid {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
				return
			}
			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
				return
			}

			c := payments.Caller{UserID: claimString(claims["sub"]), Role: strings.ToUpper(claimString(claims["role"]))}
			if c.UserID == "" {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), c)))
		})
	}
}

// claimString accepts both string and numeric ids.
func claimString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return fmt.Sprintf("%.0f", x)
	default:
		return ""
	}
}
