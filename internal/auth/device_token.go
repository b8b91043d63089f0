package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultTokenTTL = 30 * time.Minute

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingDeviceID      = errors.New("device id must be provided")
)

// DeviceTokenConfig configures the device JWT issuer.
type DeviceTokenConfig struct {
	SigningSecret []byte
	DeviceID      string
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// DeviceTokenIssuer mints short-lived HS256 bearer tokens identifying this
// device to the remote sync endpoints. Tokens are cached until near expiry so
// a sync cycle reuses one credential across its push, pull, and attachment calls.
type DeviceTokenIssuer struct {
	config DeviceTokenConfig
	clock  func() time.Time

	mu            sync.Mutex
	cachedToken   string
	cachedExpires time.Time
}

// NewDeviceTokenIssuer constructs a DeviceTokenIssuer with sane defaults.
func NewDeviceTokenIssuer(cfg DeviceTokenConfig) (*DeviceTokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	if cfg.DeviceID == "" {
		return nil, errMissingDeviceID
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	cfg.TokenTTL = ttl
	cfg.Clock = clock
	return &DeviceTokenIssuer{config: cfg, clock: clock}, nil
}

// Token returns a signed JWT for the device, minting a fresh one when the
// cached token is expired or close to it.
func (i *DeviceTokenIssuer) Token(_ context.Context) (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	now := i.clock().UTC()
	if i.cachedToken != "" && now.Add(time.Minute).Before(i.cachedExpires) {
		return i.cachedToken, nil
	}

	expiresAt := now.Add(i.config.TokenTTL)
	registered := jwt.RegisteredClaims{
		Subject:   i.config.DeviceID,
		Issuer:    i.config.Issuer,
		Audience:  []string{i.config.Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, registered)
	signed, err := token.SignedString(i.config.SigningSecret)
	if err != nil {
		return "", err
	}
	i.cachedToken = signed
	i.cachedExpires = expiresAt
	return signed, nil
}
