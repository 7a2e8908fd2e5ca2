package middleware

import (
	"context"
	"log/slog"
	"net/http"
)

// Invalid-signature actions.
const (
	ActionLog    = "log"
	ActionNotify = "notify"
	ActionIgnore = "ignore"
)

type TokenVerifier interface {
	Verify(ctx context.Context, token string) (bool, error)
}

type SignatureOptions struct {
	Strict bool
	// Action decides how a rejected token is reported. The request is
	// rejected either way.
	Action string
}

// Signature checks the shared secret passed in the "token" query parameter.
func Signature(verifier TokenVerifier, opts SignatureOptions, rejections RejectionObserver) func(http.Handler) http.Handler {
	rejections = orNoop(rejections)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !opts.Strict {
				next.ServeHTTP(w, r)
				return
			}

			ok, err := verifier.Verify(r.Context(), r.URL.Query().Get("token"))
			if err != nil {
				slog.Error("webhook secret unavailable", "error", err)
				reject(w, http.StatusInternalServerError, "internal server error")
				return
			}
			if !ok {
				switch opts.Action {
				case ActionIgnore:
				case ActionNotify:
					slog.Warn("invalid webhook signature", "ip", clientIP(r))
					rejections.ObserveRejection("signature")
				default:
					slog.Warn("invalid webhook signature", "ip", clientIP(r))
				}
				reject(w, http.StatusForbidden, "Invalid signature")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
