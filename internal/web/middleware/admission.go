package middleware

import (
	"encoding/json"
	"net/http"
)

// RejectionObserver counts requests turned away by admission middleware.
type RejectionObserver interface {
	ObserveRejection(reason string)
}

type noopRejections struct{}

func (noopRejections) ObserveRejection(string) {}

func orNoop(o RejectionObserver) RejectionObserver {
	if o == nil {
		return noopRejections{}
	}
	return o
}

// clientIP returns the address resolved by ClientIP, falling back to the
// socket peer when that middleware is not installed.
func clientIP(r *http.Request) string {
	if ip, ok := r.Context().Value(clientIPKey{}).(string); ok {
		return ip
	}
	return remoteHost(r)
}

func reject(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "error",
		"message": message,
	})
}
