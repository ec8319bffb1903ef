package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"conclave/api/internal/store"
	"conclave/api/internal/util"

	"golang.org/x/crypto/bcrypt"
)

const apiKeyPrefix = "ck_"

var ErrInvalidCredentials = errors.New("invalid credentials")

// NewAPIKey returns a random actor API key and its bcrypt hash.
func NewAPIKey() (string, string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate api key: %w", err)
	}
	key := apiKeyPrefix + hex.EncodeToString(buf)
	hash, err := HashAPIKey(key)
	if err != nil {
		return "", "", err
	}
	return key, hash, nil
}

func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}

// VerifyAPIKey compares key with a stored hash. An empty hash never matches.
func VerifyAPIKey(hash, key string) bool {
	if hash == "" || key == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}

type ActorStore interface {
	GetActor(ctx context.Context, id string) (store.Actor, error)
}

// Authenticator exchanges an actor id and API key for a bearer token.
type Authenticator struct {
	actors ActorStore
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewAuthenticator(actors ActorStore, secret string, ttl time.Duration) *Authenticator {
	return &Authenticator{actors: actors, secret: []byte(secret), ttl: ttl, now: time.Now}
}

type Session struct {
	Token     string    `json:"token"`
	ActorID   string    `json:"actorId"`
	Name      string    `json:"name"`
	IsHuman   bool      `json:"isHuman"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (a *Authenticator) Login(ctx context.Context, actorID, apiKey string) (Session, error) {
	actor, err := a.actors.GetActor(ctx, actorID)
	if err != nil {
		return Session{}, ErrInvalidCredentials
	}
	if !VerifyAPIKey(actor.APIKeyHash, apiKey) {
		return Session{}, ErrInvalidCredentials
	}

	expires := a.now().Add(a.ttl)
	token, err := IssueToken(a.secret, Claims{
		Sub:   actor.ID,
		Name:  actor.Name,
		Human: actor.IsHuman,
		JTI:   util.NewID("jti"),
		Exp:   expires.Unix(),
	})
	if err != nil {
		return Session{}, err
	}
	return Session{Token: token, ActorID: actor.ID, Name: actor.Name, IsHuman: actor.IsHuman, ExpiresAt: expires}, nil
}

func (a *Authenticator) Verify(token string) (Claims, error) {
	return ParseToken(a.secret, token)
}
