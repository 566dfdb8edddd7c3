package remote

import (
	"sync"

	"golang.org/x/oauth2"
)

// TokenSource is the credential supplier consumed by the live client.
type TokenSource = oauth2.TokenSource

// NotifyingTokenSource wraps a TokenSource and invokes notify whenever the
// source returns a token different from the one it returned last, which is
// how refreshed credentials reach whatever configuration store persists
// them. The callback runs on the calling goroutine, before the token is
// used.
func NotifyingTokenSource(src TokenSource, notify func(*oauth2.Token)) TokenSource {
	return &notifySource{src: src, notify: notify}
}

type notifySource struct {
	src    TokenSource
	notify func(*oauth2.Token)

	mu   sync.Mutex
	last string
}

func (s *notifySource) Token() (*oauth2.Token, error) {
	tok, err := s.src.Token()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	changed := tok.AccessToken != s.last
	s.last = tok.AccessToken
	s.mu.Unlock()
	if changed && s.notify != nil {
		s.notify(tok)
	}
	return tok, nil
}
