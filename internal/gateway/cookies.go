package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/drblury/rpcmesh/internal/runtime/jsonrpc"
	loggingpkg "github.com/drblury/rpcmesh/internal/runtime/logging"
)

// Keys of result.payload that never reach the client body.
const (
	payloadCookies     = "cookies"
	payloadPerformance = "performance"
)

// applyCookies turns result.payload.cookies into Set-Cookie headers and strips
// the service-only payload keys from res.
func (g *Gateway) applyCookies(w http.ResponseWriter, res *jsonrpc.Response) {
	if res == nil || res.Result == nil {
		return
	}
	payload, ok := res.Result[jsonrpc.PayloadKey].(map[string]any)
	if !ok {
		return
	}

	if cookies, ok := payload[payloadCookies].([]any); ok {
		delete(payload, payloadCookies)
		for _, raw := range cookies {
			entry, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			cookie, err := cookieFromEntry(entry)
			if err != nil {
				g.Logger.Debug("Skipping cookie", loggingpkg.LogFields{"error": err.Error()})
				continue
			}
			http.SetCookie(w, cookie)
		}
	}

	if payload[payloadPerformance] != nil {
		delete(payload, payloadPerformance)
	}
	if len(payload) == 0 {
		delete(res.Result, jsonrpc.PayloadKey)
	}
}

// cookieFromEntry reads {action: add|remove, name, value, options}. Options
// follow the usual cookie attributes; maxAge is in milliseconds.
func cookieFromEntry(entry map[string]any) (*http.Cookie, error) {
	name, _ := entry["name"].(string)
	if name == "" {
		return nil, errors.New("cookie without name")
	}
	options, _ := entry["options"].(map[string]any)

	cookie := &http.Cookie{Name: name, Path: "/"}
	if path, ok := options["path"].(string); ok && path != "" {
		cookie.Path = path
	}
	cookie.Domain, _ = options["domain"].(string)
	cookie.Secure, _ = options["secure"].(bool)
	cookie.HttpOnly, _ = options["httpOnly"].(bool)
	cookie.SameSite = sameSite(options["sameSite"])

	action, _ := entry["action"].(string)
	switch action {
	case "add":
		if value, ok := entry["value"]; ok && value != nil {
			if s, isString := value.(string); isString {
				cookie.Value = s
			} else {
				cookie.Value = fmt.Sprint(value)
			}
		}
		if ms, ok := options["maxAge"].(float64); ok {
			cookie.MaxAge = int(ms / 1000)
			if cookie.MaxAge <= 0 {
				cookie.MaxAge = -1
			}
			cookie.Expires = time.Now().Add(time.Duration(ms) * time.Millisecond)
		} else if expires, ok := options["expires"].(string); ok {
			if at, err := time.Parse(time.RFC3339, expires); err == nil {
				cookie.Expires = at
			}
		}
	case "remove":
		cookie.MaxAge = -1
		cookie.Expires = time.Unix(0, 0)
	default:
		return nil, fmt.Errorf("cookie %q: unknown action %q", name, action)
	}
	return cookie, nil
}

func sameSite(v any) http.SameSite {
	switch s := v.(type) {
	case bool:
		if s {
			return http.SameSiteStrictMode
		}
	case string:
		switch strings.ToLower(s) {
		case "strict":
			return http.SameSiteStrictMode
		case "lax":
			return http.SameSiteLaxMode
		case "none":
			return http.SameSiteNoneMode
		}
	}
	return http.SameSiteDefaultMode
}
