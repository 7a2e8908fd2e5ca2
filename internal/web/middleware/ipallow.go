package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
)

// AllowList is a set of addresses and networks. An empty list allows all.
type AllowList []netip.Prefix

// ParseAllowList accepts IPs and CIDRs separated by commas, whitespace or
// newlines.
func ParseAllowList(raw string) (AllowList, error) {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == '\n' || r == '\r' || r == ' ' || r == '\t'
	})
	list := make(AllowList, 0, len(fields))
	for _, f := range fields {
		if strings.Contains(f, "/") {
			p, err := netip.ParsePrefix(f)
			if err != nil {
				return nil, fmt.Errorf("invalid allow-list network %q: %w", f, err)
			}
			list = append(list, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(f)
		if err != nil {
			return nil, fmt.Errorf("invalid allow-list address %q: %w", f, err)
		}
		addr = addr.Unmap()
		list = append(list, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return list, nil
}

func (l AllowList) Contains(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range l {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// IPAllowList rejects requests from addresses outside list with 403.
func IPAllowList(list AllowList, rejections RejectionObserver) func(http.Handler) http.Handler {
	rejections = orNoop(rejections)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(list) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			ip := clientIP(r)
			if !list.Contains(ip) {
				slog.Warn("webhook request from address outside allow-list", "ip", ip)
				rejections.ObserveRejection("allowlist")
				reject(w, http.StatusForbidden, "IP not allowed")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
