package exchange

import (
	"fmt"
	"sync"
)

// Dialer builds a Client from an account's opaque credential blob. The
// production dialer parses Kraken credentials; tests inject a fake.
type Dialer func(credentials string) (Client, error)

// KrakenDialer is the production Dialer.
func KrakenDialer(credentials string) (Client, error) {
	creds, err := ParseCredentials(credentials)
	if err != nil {
		return nil, err
	}
	return NewKraken(creds)
}

// SessionCache holds one authenticated Client per account so every loop
// iteration does not rebuild sessions. A client stays cached until an auth
// failure invalidates it; the next Get re-dials with current credentials.
type SessionCache struct {
	mu      sync.Mutex
	dial    Dialer
	clients map[string]Client
}

// NewSessionCache creates a session cache around the given dialer.
func NewSessionCache(dial Dialer) *SessionCache {
	return &SessionCache{
		dial:    dial,
		clients: make(map[string]Client),
	}
}

// Get returns the cached client for an account, dialing one on first use.
func (c *SessionCache) Get(accountID, credentials string) (Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.clients[accountID]; ok {
		return client, nil
	}
	client, err := c.dial(credentials)
	if err != nil {
		return nil, fmt.Errorf("dial exchange for account %s: %w", accountID, err)
	}
	c.clients[accountID] = client
	return client, nil
}

// Invalidate drops an account's cached client. Called on ErrAuth so stale
// sessions never get reused after a credential rotation.
func (c *SessionCache) Invalidate(accountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.clients, accountID)
}
