package handler

import (
	"net"
	"net/http"
	"strings"

	"github.com/d9705996/fleetd/internal/service"
)

type messageBody struct {
	Message string `json:"message"`
}

func message(s string) messageBody { return messageBody{Message: s} }

// pageBody is embedded by list requests.
type pageBody struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

func (p pageBody) page() service.Page {
	return service.Page{Limit: p.Limit, Offset: p.Offset}
}

// clientIP prefers the first X-Forwarded-For hop.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
