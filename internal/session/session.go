// Package session identifies the cart session a request belongs to.
package session

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// HeaderName carries the session id for clients without cookie support.
const HeaderName = "X-Cart-Session"

// DefaultCookieName is used when no cookie name is configured.
const DefaultCookieName = "cart_session"

type ctxKey struct{}

// WithID stores the cart session id on the context.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// ID extracts the cart session id from the context if present.
func ID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// Middleware resolves the cart session from the header or cookie, issuing a
// new one when neither holds a valid id.
type Middleware struct {
	CookieName   string
	CookieDomain string
	CookieSecure bool
	SameSite     http.SameSite
	MaxAge       time.Duration
	NewID        func() string
}

// Handler implements chi middleware.
func (m Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := m.extract(r)
		if id == "" {
			id = m.newID()
		}
		http.SetCookie(w, m.cookie(id))
		w.Header().Set(HeaderName, id)
		next.ServeHTTP(w, r.WithContext(WithID(r.Context(), id)))
	})
}

func (m Middleware) extract(r *http.Request) string {
	if id := valid(r.Header.Get(HeaderName)); id != "" {
		return id
	}
	if cookie, err := r.Cookie(m.cookieName()); err == nil {
		return valid(cookie.Value)
	}
	return ""
}

func (m Middleware) cookie(id string) *http.Cookie {
	c := &http.Cookie{
		Name:     m.cookieName(),
		Value:    id,
		Path:     "/",
		Domain:   m.CookieDomain,
		Secure:   m.CookieSecure,
		HttpOnly: true,
		SameSite: m.SameSite,
	}
	if c.SameSite == http.SameSiteDefaultMode {
		c.SameSite = http.SameSiteLaxMode
	}
	if m.MaxAge > 0 {
		c.MaxAge = int(m.MaxAge / time.Second)
		c.Expires = time.Now().Add(m.MaxAge)
	}
	return c
}

func (m Middleware) cookieName() string {
	if name := strings.TrimSpace(m.CookieName); name != "" {
		return name
	}
	return DefaultCookieName
}

func (m Middleware) newID() string {
	if m.NewID != nil {
		return m.NewID()
	}
	return uuid.NewString()
}

func valid(raw string) string {
	parsed, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return parsed.String()
}
