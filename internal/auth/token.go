package auth

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the payload of a device identity token.
type Claims struct {
	DeviceID string `json:"device_id"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// DeviceTokens signs short-lived HS256 bearer tokens identifying this
// checkpoint device to the platform. Tokens are cached and re-signed shortly
// before expiry so a scan burst doesn't pay signing overhead per request.
type DeviceTokens struct {
	deviceID string
	issuer   string
	key      []byte
	ttl      time.Duration

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// NewDeviceTokens creates a token source for the given device identity.
func NewDeviceTokens(deviceID, issuer, signingKey string, ttl time.Duration) *DeviceTokens {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &DeviceTokens{
		deviceID: deviceID,
		issuer:   issuer,
		key:      []byte(signingKey),
		ttl:      ttl,
	}
}

// Token returns a valid bearer token, signing a fresh one when the cached
// token is within a minute of expiry.
func (d *DeviceTokens) Token() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	if d.token != "" && now.Before(d.expiry.Add(-time.Minute)) {
		return d.token, nil
	}

	expiry := now.Add(d.ttl)
	claims := Claims{
		DeviceID: d.deviceID,
		Role:     "checkpoint",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    d.issuer,
			Subject:   d.deviceID,
			ExpiresAt: jwt.NewNumericDate(expiry),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(d.key)
	if err != nil {
		return "", err
	}
	d.token = token
	d.expiry = expiry
	return token, nil
}
