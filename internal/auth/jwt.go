package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenAccess  = "access"
	tokenRefresh = "refresh"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrWrongType    = errors.New("wrong token type")
)

// TokenPair holds access and refresh tokens for a scanner station.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	AccessExp    time.Time `json:"access_expires_at"`
	RefreshExp   time.Time `json:"refresh_expires_at"`
}

// Claims represents JWT payload.
type Claims struct {
	Station string `json:"station"`
	Type    string `json:"typ"`
	jwt.RegisteredClaims
}

// Signer issues and verifies HS256 station tokens.
type Signer struct {
	issuer     string
	key        []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

func NewSigner(issuer, key string, accessTTL, refreshTTL time.Duration) *Signer {
	return &Signer{issuer: issuer, key: []byte(key), accessTTL: accessTTL, refreshTTL: refreshTTL, now: time.Now}
}

// Issue signs a fresh token pair for station.
func (s *Signer) Issue(station string) (TokenPair, error) {
	now := s.now()
	pair := TokenPair{AccessExp: now.Add(s.accessTTL), RefreshExp: now.Add(s.refreshTTL)}

	var err error
	pair.AccessToken, err = s.sign(station, tokenAccess, now, pair.AccessExp)
	if err != nil {
		return TokenPair{}, err
	}
	pair.RefreshToken, err = s.sign(station, tokenRefresh, now, pair.RefreshExp)
	if err != nil {
		return TokenPair{}, err
	}
	return pair, nil
}

func (s *Signer) sign(station, typ string, now, exp time.Time) (string, error) {
	claims := Claims{
		Station: station,
		Type:    typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   station,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
}

// Parse validates an access token and returns its claims.
func (s *Signer) Parse(tokenStr string) (Claims, error) {
	return s.parse(tokenStr, tokenAccess)
}

// Refresh exchanges a valid refresh token for a new pair.
func (s *Signer) Refresh(refreshToken string) (TokenPair, error) {
	claims, err := s.parse(refreshToken, tokenRefresh)
	if err != nil {
		return TokenPair{}, err
	}
	return s.Issue(claims.Station)
}

func (s *Signer) parse(tokenStr, typ string) (Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return s.key, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		return Claims{}, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Station == "" {
		return Claims{}, ErrInvalidToken
	}
	if claims.Type != typ {
		return Claims{}, ErrWrongType
	}
	return *claims, nil
}
