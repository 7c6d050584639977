package gitops

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"go.cidx.org/server/indexserver/go/apierr"
)

const (
	// TOKEN_ALPHABET omits 0/O and 1/I to keep tokens unambiguous when
	// read back by a human.
	TOKEN_ALPHABET = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	TOKEN_LENGTH   = 6

	TOKEN_TTL  = 5 * time.Minute
	MAX_TOKENS = 10000
)

// tokenStore issues and consumes single-use confirmation tokens, each
// bound to the operation it was issued for. Expired tokens vanish
// silently from the underlying TTL cache.
type tokenStore struct {
	mtx   sync.Mutex
	cache *gocache.Cache
}

func newTokenStore() *tokenStore {
	return &tokenStore{
		cache: gocache.New(TOKEN_TTL, TOKEN_TTL),
	}
}

// Issue creates a token bound to the given operation name.
func (s *tokenStore) Issue(operation string) (string, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.cache.ItemCount() >= MAX_TOKENS {
		return "", apierr.New(apierr.Validation, "Too many pending confirmation tokens; retry later.")
	}
	buf := make([]byte, TOKEN_LENGTH)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("Failed to generate confirmation token: %s", err)
	}
	for i, b := range buf {
		buf[i] = TOKEN_ALPHABET[int(b)%len(TOKEN_ALPHABET)]
	}
	token := string(buf)
	s.cache.SetDefault(token, operation)
	return token, nil
}

// Consume validates the token against the operation and removes it.
// The check and the delete happen under one lock so a token can never
// authorize two executions.
func (s *tokenStore) Consume(token, operation string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	v, ok := s.cache.Get(token)
	if !ok {
		return apierr.New(apierr.ConfirmationInvalid, "Confirmation token is invalid or has expired.")
	}
	if v.(string) != operation {
		return apierr.New(apierr.ConfirmationInvalid, "Confirmation token was issued for a different operation.")
	}
	s.cache.Delete(token)
	return nil
}
