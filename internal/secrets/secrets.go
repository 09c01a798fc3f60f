// Package secrets loads the gateway's key material: the session token
// verification key and the credential fingerprint key.
package secrets

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

var ErrSecretNotFound = errors.New("secret not found")

type SecretStore interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// Keys is the JSON document stored under the gateway's secret name.
type Keys struct {
	// JWTSecret is the HS256 shared secret.
	JWTSecret string `json:"jwt_secret,omitempty"`
	// JWTPublicKey is a PEM Ed25519 public key for EdDSA tokens.
	JWTPublicKey string `json:"jwt_public_key,omitempty"`
	// FingerprintKey is hex; instances sharing it produce identical cache
	// keys for the same credential.
	FingerprintKey string `json:"fingerprint_key,omitempty"`
}

// VerificationKey returns the key bytes for the configured token method.
func (k Keys) VerificationKey() []byte {
	if k.JWTPublicKey != "" {
		return []byte(k.JWTPublicKey)
	}
	return []byte(k.JWTSecret)
}

func (k Keys) FingerprintKeyBytes() ([]byte, error) {
	if k.FingerprintKey == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(k.FingerprintKey)
	if err != nil {
		return nil, fmt.Errorf("decode fingerprint key: %w", err)
	}
	return b, nil
}

func LoadKeys(ctx context.Context, store SecretStore, name string) (*Keys, error) {
	raw, err := store.GetSecret(ctx, name)
	if err != nil {
		return nil, err
	}

	var keys Keys
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return nil, fmt.Errorf("parse secret %s: %w", name, err)
	}
	if keys.JWTSecret == "" && keys.JWTPublicKey == "" {
		return nil, fmt.Errorf("secret %s has no token verification key", name)
	}
	return &keys, nil
}

type secretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type AWSSecretsManager struct {
	client secretsManagerAPI
	cache  map[string]*cachedSecret
	mu     sync.RWMutex
	ttl    time.Duration
	now    func() time.Time
}

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

func NewAWSSecretsManager(ctx context.Context, region string) (*AWSSecretsManager, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return NewAWSSecretsManagerWithConfig(cfg), nil
}

func NewAWSSecretsManagerWithConfig(cfg aws.Config) *AWSSecretsManager {
	return newAWSSecretsManager(secretsmanager.NewFromConfig(cfg))
}

func newAWSSecretsManager(client secretsManagerAPI) *AWSSecretsManager {
	return &AWSSecretsManager{
		client: client,
		cache:  make(map[string]*cachedSecret),
		ttl:    5 * time.Minute,
		now:    time.Now,
	}
}

func (s *AWSSecretsManager) GetSecret(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	if cached, ok := s.cache[name]; ok && s.now().Before(cached.expiresAt) {
		s.mu.RUnlock()
		return cached.value, nil
	}
	s.mu.RUnlock()

	input := &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	}

	result, err := s.client.GetSecretValue(ctx, input)
	if err != nil {
		return "", fmt.Errorf("get secret %s: %w", name, err)
	}
	if result.SecretString == nil {
		return "", fmt.Errorf("%w: %s has no string value", ErrSecretNotFound, name)
	}

	value := *result.SecretString

	s.mu.Lock()
	s.cache[name] = &cachedSecret{
		value:     value,
		expiresAt: s.now().Add(s.ttl),
	}
	s.mu.Unlock()

	return value, nil
}

func (s *AWSSecretsManager) SetCacheTTL(ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ttl = ttl
}

type InMemorySecretStore struct {
	mu      sync.RWMutex
	secrets map[string]string
}

func NewInMemorySecretStore() *InMemorySecretStore {
	return &InMemorySecretStore{
		secrets: make(map[string]string),
	}
}

func (s *InMemorySecretStore) GetSecret(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.secrets[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return value, nil
}

func (s *InMemorySecretStore) SetSecret(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[name] = value
}
