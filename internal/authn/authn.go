// Package authn provides session.AuthValidator implementations: a
// guest identity for development/demo use and an HMAC-signed token
// validator for production deployments.
//
// GuestValidator covers callers that never authenticate a connection
// beyond the TCP handshake; TokenValidator covers the protocol's
// explicit AUTH step. Both follow the same small, single-purpose
// shape: one exported Validate method each.
package authn

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/foldsync/core/internal/codec"
	"github.com/foldsync/core/internal/objects"
	"github.com/foldsync/core/internal/proto"
)

// ErrInvalidToken is returned by TokenValidator when a token fails to
// verify for any reason (bad signature, malformed, expired).
var ErrInvalidToken = errors.New("authn: invalid token")

// GuestValidator accepts any AuthMsg unconditionally, assigning the
// caller-supplied ID as its identity. Intended for local development
// and the bundled chat example — never for a deployment
// that needs real access control.
type GuestValidator struct{}

func (GuestValidator) Validate(_ context.Context, msg proto.AuthMsg) (objects.Auth, error) {
	return objects.Auth{ID: msg.ID, Source: msg.Source}, nil
}

// TokenValidator verifies an HMAC-SHA256 signed bearer token of the
// form "<id>.<unix-expiry>.<base64-signature>", rejecting anything
// expired or whose signature doesn't match. There is no third-party
// JWT library anywhere in the grounded dependency surface (the only
// occurrence, golang-jwt, appears solely as an indirect, unused
// transitive dependency of an unrelated example repo) so this uses
// crypto/hmac directly rather than adopting an ungrounded new stack
// dependency.
type TokenValidator struct {
	secret []byte
}

// NewTokenValidator builds a validator keyed by secret. Tokens are
// minted by MintToken using the same secret.
func NewTokenValidator(secret []byte) *TokenValidator {
	return &TokenValidator{secret: secret}
}

func (v *TokenValidator) Validate(_ context.Context, msg proto.AuthMsg) (objects.Auth, error) {
	id, expiry, sig, err := splitToken(msg.Token)
	if err != nil {
		return objects.Auth{}, err
	}
	if time.Now().After(expiry) {
		return objects.Auth{}, fmt.Errorf("%w: expired", ErrInvalidToken)
	}
	expected := v.sign(id, expiry)
	if !hmac.Equal(sig, expected) {
		return objects.Auth{}, fmt.Errorf("%w: bad signature", ErrInvalidToken)
	}
	if id != msg.ID {
		return objects.Auth{}, fmt.Errorf("%w: id mismatch", ErrInvalidToken)
	}
	return objects.Auth{ID: msg.ID, Source: msg.Source}, nil
}

// MintToken produces a token for id valid until ttl from now, signed
// with secret. Intended for a client-facing login endpoint, outside
// this package's scope.
func MintToken(secret []byte, id codec.UUID, ttl time.Duration) string {
	expiry := time.Now().Add(ttl)
	v := &TokenValidator{secret: secret}
	sig := v.sign(id, expiry)
	return fmt.Sprintf("%s.%d.%s", id.String(), expiry.Unix(), base64.RawURLEncoding.EncodeToString(sig))
}

func (v *TokenValidator) sign(id codec.UUID, expiry time.Time) []byte {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(id[:])
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(expiry.Unix()))
	mac.Write(buf[:])
	return mac.Sum(nil)
}

func splitToken(token string) (codec.UUID, time.Time, []byte, error) {
	parts := strings.SplitN(token, ".", 3)
	if len(parts) != 3 {
		return codec.UUID{}, time.Time{}, nil, fmt.Errorf("%w: malformed", ErrInvalidToken)
	}
	id, err := codec.ParseUUID(parts[0])
	if err != nil {
		return codec.UUID{}, time.Time{}, nil, fmt.Errorf("%w: bad id", ErrInvalidToken)
	}
	var unixExpiry int64
	if _, err := fmt.Sscanf(parts[1], "%d", &unixExpiry); err != nil {
		return codec.UUID{}, time.Time{}, nil, fmt.Errorf("%w: bad expiry", ErrInvalidToken)
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return codec.UUID{}, time.Time{}, nil, fmt.Errorf("%w: bad signature encoding", ErrInvalidToken)
	}
	return id, time.Unix(unixExpiry, 0), sig, nil
}
