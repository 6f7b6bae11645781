package oauth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	stateIssuer     = "pulse-oauth"
	defaultStateTTL = 10 * time.Minute
)

var (
	errMissingStateSecret = errors.New("oauth: state secret must be provided")
	// ErrInvalidState indicates a callback state that was not issued by this server or has expired.
	ErrInvalidState = errors.New("oauth: invalid state")
)

// State is the authorization context carried through the provider redirect.
type State struct {
	UserID      string
	Platform    string
	CallbackURL string
	Nonce       string
}

type stateClaims struct {
	jwt.RegisteredClaims
	CallbackURL string `json:"cb,omitempty"`
}

// StateCodec signs authorization state so callbacks need no server-side session.
type StateCodec struct {
	secret []byte
	ttl    time.Duration
	clock  func() time.Time
}

func NewStateCodec(secret []byte, ttl time.Duration, clock func() time.Time) (*StateCodec, error) {
	if len(secret) == 0 {
		return nil, errMissingStateSecret
	}
	if ttl <= 0 {
		ttl = defaultStateTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &StateCodec{secret: secret, ttl: ttl, clock: clock}, nil
}

// Issue returns a signed state token with a fresh nonce.
func (c *StateCodec) Issue(userID, platform, callbackURL string) (string, State, error) {
	nonceBytes := make([]byte, 24)
	if _, err := rand.Read(nonceBytes); err != nil {
		return "", State{}, err
	}
	state := State{
		UserID:      userID,
		Platform:    platform,
		CallbackURL: callbackURL,
		Nonce:       base64.RawURLEncoding.EncodeToString(nonceBytes),
	}

	now := c.clock().UTC()
	claims := stateClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    stateIssuer,
			Audience:  []string{platform},
			ID:        state.Nonce,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
		CallbackURL: callbackURL,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", State{}, err
	}
	return signed, state, nil
}

// Parse validates a state token issued for platform.
func (c *StateCodec) Parse(token, platform string) (State, error) {
	claims := &stateClaims{}
	_, err := jwt.ParseWithClaims(
		token,
		claims,
		func(parsed *jwt.Token) (interface{}, error) {
			if parsed.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", parsed.Method.Alg())
			}
			return c.secret, nil
		},
		jwt.WithAudience(platform),
		jwt.WithIssuer(stateIssuer),
		jwt.WithTimeFunc(c.clock),
	)
	if err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if claims.Subject == "" || claims.ID == "" {
		return State{}, fmt.Errorf("%w: missing subject", ErrInvalidState)
	}
	return State{
		UserID:      claims.Subject,
		Platform:    platform,
		CallbackURL: claims.CallbackURL,
		Nonce:       claims.ID,
	}, nil
}

// Verifier derives the PKCE code verifier bound to a state nonce. It never leaves the server.
func (c *StateCodec) Verifier(nonce string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte("pkce:" + nonce))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
