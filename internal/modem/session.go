package modem

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// sessionTokResponse mirrors the modem's SesTokInfo response shape.
type sessionTokResponse struct {
	XMLName xml.Name `xml:"response"`
	SesInfo string   `xml:"SesInfo"`
	TokInfo string   `xml:"TokInfo"`
}

// sessionPair is the cached (cookie, CSRF token) handshake result.
type sessionPair struct {
	sesInfo   string
	tokInfo   string
	expiresAt time.Time
}

func (p sessionPair) valid(now time.Time) bool {
	return p.sesInfo != "" && now.Before(p.expiresAt)
}

// sessionCache caches the handshake pair with a TTL. Concurrent refreshes
// are tolerated: last writer wins, which is acceptable since a slightly
// stale-but-unexpired cache entry is still valid from the modem's
// perspective for the remainder of its TTL.
type sessionCache struct {
	mu  sync.Mutex
	cur sessionPair
	ttl time.Duration
}

func newSessionCache(ttl time.Duration) *sessionCache {
	return &sessionCache{ttl: ttl}
}

// get returns a cached, still-valid pair, or fetches a fresh one via fetch.
func (c *sessionCache) get(ctx context.Context, fetch func(context.Context) (sessionPair, error)) (sessionPair, error) {
	c.mu.Lock()
	cur := c.cur
	c.mu.Unlock()

	if cur.valid(time.Now()) {
		return cur, nil
	}

	fresh, err := fetch(ctx)
	if err != nil {
		return sessionPair{}, err
	}
	fresh.expiresAt = time.Now().Add(c.ttl)

	c.mu.Lock()
	c.cur = fresh
	c.mu.Unlock()
	return fresh, nil
}

// fetchSession performs the GET {baseURL}/api/webserver/SesTokInfo handshake.
func (cl *Client) fetchSession(ctx context.Context) (sessionPair, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cl.baseURL+"/api/webserver/SesTokInfo", nil)
	if err != nil {
		return sessionPair{}, errTransport(err)
	}
	req.Host = cl.host

	resp, err := cl.httpClient.Do(req)
	if err != nil {
		return sessionPair{}, classifyTransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return sessionPair{}, errTransport(err)
	}
	if resp.StatusCode >= 300 {
		return sessionPair{}, errHTTP(resp.StatusCode, string(body))
	}

	var parsed sessionTokResponse
	if err := xml.Unmarshal(body, &parsed); err != nil {
		return sessionPair{}, errParse("SesTokInfo response", err)
	}
	if parsed.SesInfo == "" || parsed.TokInfo == "" {
		return sessionPair{}, errParse(fmt.Sprintf("SesTokInfo missing fields: %q", string(body)), nil)
	}

	return sessionPair{sesInfo: parsed.SesInfo, tokInfo: parsed.TokInfo}, nil
}
