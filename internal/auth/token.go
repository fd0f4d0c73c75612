// internal/auth/token.go
package auth

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Tokens mints and verifies ephemeral resume tokens. The relay hands one to
// every connection; a device that reconnects after a drop presents it to
// reclaim the same presence key instead of appearing as a new player.
// Keys are generated per process: a relay restart invalidates all tokens,
// which is fine because the rooms they referred to are gone too.
type Tokens struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	ttl        time.Duration
}

// NewTokens generates a fresh ed25519 key pair. ttl bounds how long a
// dropped device can reclaim its key; zero means 15 minutes.
func NewTokens(ttl time.Duration) (*Tokens, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("auth: generate key pair: %w", err)
	}
	if ttl == 0 {
		ttl = 15 * time.Minute
	}
	return &Tokens{privateKey: priv, publicKey: pub, ttl: ttl}, nil
}

// Create signs a token binding playerKey to roomCode.
func (t *Tokens) Create(playerKey, roomCode string) (string, error) {
	claims := jwt.MapClaims{
		"sub":  playerKey,
		"room": roomCode,
		"exp":  time.Now().Add(t.ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(t.privateKey)
}

// Verify checks the signature and expiry, and that the token was minted for
// this room. Returns the player key it is bound to.
func (t *Tokens) Verify(tokenString, roomCode string) (string, error) {
	tok, err := jwt.Parse(tokenString, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
		}
		return t.publicKey, nil
	})
	if err != nil {
		return "", fmt.Errorf("auth: parse token: %w", err)
	}
	if !tok.Valid {
		return "", fmt.Errorf("auth: invalid token")
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("auth: invalid claims")
	}
	room, _ := claims["room"].(string)
	if room != roomCode {
		return "", fmt.Errorf("auth: token minted for a different room")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", fmt.Errorf("auth: missing sub")
	}
	return sub, nil
}
