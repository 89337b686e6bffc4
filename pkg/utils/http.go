package utils

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
)

// WriteJSONResponse writes a JSON response
func WriteJSONResponse(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	_, err = w.Write(data)
	return err
}

// RemoteHost returns the network origin of a request. When trustForwarded is
// set the first X-Forwarded-For hop wins over the socket address.
func RemoteHost(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if host := strings.TrimSpace(first); host != "" {
				return host
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
