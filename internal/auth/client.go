package auth

import (
	"context"
	"sync"
	"time"
)

// Client is the device-local session holder. It wraps the Service the way a
// mobile client wraps its auth SDK: one current session, sign-in/sign-up/
// sign-out mutations, and a standing auth-state-change broadcast. The
// synchronizer treats the session it hands out as read-only.
type Client struct {
	svc *Service
	now func() time.Time

	mu        sync.Mutex
	session   *Session
	listeners map[int]func(event string, session *Session)
	nextID    int
}

// NewClient constructs a Client over the token service.
func NewClient(svc *Service) *Client {
	return &Client{
		svc:       svc,
		now:       time.Now,
		listeners: make(map[int]func(string, *Session)),
	}
}

// CurrentSession returns the stored session, refreshing it when the access
// token has expired. Returns (nil, nil) when no session is held. The caller
// bounds the wait through ctx.
func (c *Client) CurrentSession(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()

	if session == nil {
		return nil, nil
	}
	if session.Valid(c.now()) {
		copied := *session
		return &copied, nil
	}

	refreshed, err := c.svc.Refresh(ctx, session.RefreshToken)
	if err != nil {
		// Refresh failed: the stored session is no longer usable.
		c.setSession(nil, EventSignedOut)
		return nil, err
	}
	c.setSession(&refreshed, EventTokenRefreshed)
	copied := refreshed
	return &copied, nil
}

// SignInWithPassword performs the password grant and stores the session.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	session, err := c.svc.SignInWithPassword(ctx, email, password)
	if err != nil {
		return nil, err
	}
	c.setSession(&session, EventSignedIn)
	copied := session
	return &copied, nil
}

// SignUp creates the identity with the profile seed attached. No session is
// stored; the caller signs in afterwards (or the backend auto-confirms).
func (c *Client) SignUp(ctx context.Context, email, password string, seed ProfileSeed) (Identity, error) {
	return c.svc.SignUp(ctx, email, password, seed)
}

// SignOut revokes the session server-side and clears the local one. Clearing
// happens even when revocation fails: the device must not keep a credential
// it just tried to discard.
func (c *Client) SignOut(ctx context.Context) error {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()

	var err error
	if session != nil {
		err = c.svc.SignOut(ctx, session.Identity.ID)
	}
	c.setSession(nil, EventSignedOut)
	return err
}

// OnAuthStateChange registers a listener invoked after every session
// transition. The returned function unsubscribes it.
func (c *Client) OnAuthStateChange(fn func(event string, session *Session)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Client) setSession(session *Session, event string) {
	c.mu.Lock()
	c.session = session
	fns := make([]func(string, *Session), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		var copied *Session
		if session != nil {
			v := *session
			copied = &v
		}
		fn(event, copied)
	}
}
