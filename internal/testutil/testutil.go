// Package testutil provides shared test fixtures: a scriptable upstream
// exchanger and a movable clock.
package testutil

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/chordia-dev/chordia/upstream"
)

// FakeUpstream is a scriptable upstream.Exchanger. The zero value
// answers every call successfully with canned credentials.
type FakeUpstream struct {
	mu sync.Mutex

	// ExchangeErr and RefreshErr force failures when set.
	ExchangeErr error
	RefreshErr  error

	// Token overrides the canned response.
	Token *upstream.Token

	// Recorded inputs.
	ExchangedCodes     []string
	ExchangedVerifiers []string
	RefreshedTokens    []string
	AuthStates         []string
	AuthChallenges     []string
}

var _ upstream.Exchanger = (*FakeUpstream)(nil)

func (f *FakeUpstream) Name() string { return "fake" }

func (f *FakeUpstream) AuthorizationURL(state, codeChallenge, codeChallengeMethod string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.AuthStates = append(f.AuthStates, state)
	f.AuthChallenges = append(f.AuthChallenges, codeChallenge)

	q := url.Values{
		"response_type":         {"code"},
		"state":                 {state},
		"code_challenge":        {codeChallenge},
		"code_challenge_method": {codeChallengeMethod},
	}
	return "https://upstream.example.com/authorize?" + q.Encode()
}

func (f *FakeUpstream) Exchange(_ context.Context, code, codeVerifier string) (*upstream.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ExchangedCodes = append(f.ExchangedCodes, code)
	f.ExchangedVerifiers = append(f.ExchangedVerifiers, codeVerifier)
	if f.ExchangeErr != nil {
		return nil, f.ExchangeErr
	}
	return f.token(), nil
}

func (f *FakeUpstream) Refresh(_ context.Context, refreshToken string) (*upstream.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RefreshedTokens = append(f.RefreshedTokens, refreshToken)
	if f.RefreshErr != nil {
		return nil, f.RefreshErr
	}
	tok := f.token()
	tok.AccessToken = fmt.Sprintf("up-access-%d", len(f.RefreshedTokens))
	return tok, nil
}

func (f *FakeUpstream) token() *upstream.Token {
	if f.Token != nil {
		copied := *f.Token
		return &copied
	}
	return &upstream.Token{
		AccessToken:  "up-access",
		RefreshToken: "up-refresh",
		Scope:        "user-read-private user-read-email",
		ExpiresIn:    3600,
	}
}

// Clock is a movable time source safe for concurrent use.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock creates a clock pinned at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current clock time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
