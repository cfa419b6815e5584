package server

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/Tyrowin/chatcore/internal/log"
)

var originLog = log.ForService("origin")

// originPolicy is the compiled form of Config.AllowedOrigins. A "*" entry
// allows any well-formed origin.
type originPolicy struct {
	list     []string
	allowed  map[string]struct{}
	allowAll bool
}

func newOriginPolicy(origins []string) originPolicy {
	p := originPolicy{allowed: make(map[string]struct{}, len(origins))}
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		switch origin {
		case "":
			continue
		case "*":
			p.allowAll = true
			continue
		}

		canonical, ok := canonicalOrigin(origin)
		if !ok {
			originLog.Warnf("Ignoring invalid origin in configuration: %q", origin)
			continue
		}
		if _, dup := p.allowed[canonical]; dup {
			continue
		}
		p.allowed[canonical] = struct{}{}
		p.list = append(p.list, canonical)
	}
	return p
}

func (p originPolicy) allows(origin string) bool {
	canonical, ok := canonicalOrigin(origin)
	if !ok {
		return false
	}
	if p.allowAll {
		return true
	}
	_, ok = p.allowed[canonical]
	return ok
}

// canonicalOrigin reduces origin to lower-case scheme://host.
func canonicalOrigin(origin string) (string, bool) {
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host), true
}

// originAllowed reports whether origin passes the active policy.
func originAllowed(origin string) bool {
	configMu.RLock()
	policy := activePolicy
	configMu.RUnlock()
	return policy.allows(origin)
}

// checkOrigin is the websocket upgrader policy. Upgrades must carry an
// allowed Origin header.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin != "" && originAllowed(origin) {
		return true
	}

	originLog.Warnf("Blocked WebSocket connection from disallowed origin: %q", origin)
	return false
}

// checkPollOrigin guards the polling endpoints. Browsers omit Origin on
// same-origin GETs, so a missing header is accepted; a present one must be
// allowed and is echoed back for CORS.
func checkPollOrigin(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if !originAllowed(origin) {
		originLog.Warnf("Blocked polling request from disallowed origin: %q", origin)
		http.Error(w, "Origin not allowed", http.StatusForbidden)
		return false
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Add("Vary", "Origin")
	return true
}
