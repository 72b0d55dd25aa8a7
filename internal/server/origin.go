package server

import (
	"net/http"
	"net/url"
	"strings"
)

// checkOrigin accepts requests without an Origin header (non-browser
// clients) and browser requests from the configured app URL. Development
// mode accepts everything.
func (s *Server) checkOrigin(r *http.Request) bool {
	if s.config.IsDevelopment() {
		return true
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	appURL, err := url.Parse(s.config.AppURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(originURL.Host, appURL.Host)
}
