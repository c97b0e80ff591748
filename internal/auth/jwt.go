package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenPair holds access and refresh tokens.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	AccessExp    time.Time
	RefreshExp   time.Time
}

// Identity is what the identity collaborator asserts about a caller. The
// class-assignment fields ride along in the JWT so the recorder can lazily
// provision an eligibility profile without a second directory round-trip.
type Identity struct {
	Subject    string
	Role       string
	Email      string
	Name       string
	Department string
	Year       string
	Semester   string
}

// Claims represents the JWT payload.
type Claims struct {
	Subject    string `json:"sub"`
	Role       string `json:"role"`
	Email      string `json:"email,omitempty"`
	Name       string `json:"name,omitempty"`
	Department string `json:"department,omitempty"`
	Year       string `json:"year,omitempty"`
	Semester   string `json:"semester,omitempty"`
	jwt.RegisteredClaims
}

// Identity converts parsed claims back into an Identity.
func (c Claims) Identity() Identity {
	return Identity{
		Subject:    c.Subject,
		Role:       c.Role,
		Email:      c.Email,
		Name:       c.Name,
		Department: c.Department,
		Year:       c.Year,
		Semester:   c.Semester,
	}
}

// Issue issues signed access and refresh tokens for an identity.
func Issue(ident Identity, issuer, key string, accessTTL, refreshTTL time.Duration) (TokenPair, error) {
	accessExp := time.Now().Add(accessTTL)
	refreshExp := time.Now().Add(refreshTTL)

	build := func(exp time.Time) Claims {
		return Claims{
			Subject:    ident.Subject,
			Role:       ident.Role,
			Email:      ident.Email,
			Name:       ident.Name,
			Department: ident.Department,
			Year:       ident.Year,
			Semester:   ident.Semester,
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    issuer,
				Subject:   ident.Subject,
				ExpiresAt: jwt.NewNumericDate(exp),
				IssuedAt:  jwt.NewNumericDate(time.Now()),
			},
		}
	}

	accessToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, build(accessExp)).SignedString([]byte(key))
	if err != nil {
		return TokenPair{}, err
	}

	refreshToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, build(refreshExp)).SignedString([]byte(key))
	if err != nil {
		return TokenPair{}, err
	}

	return TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		AccessExp:    accessExp,
		RefreshExp:   refreshExp,
	}, nil
}

// Parse validates a token and returns claims.
func Parse(tokenStr, key, issuer string) (Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(key), nil
	})
	if err != nil {
		return Claims{}, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Claims{}, errors.New("invalid token")
	}
	if issuer != "" && claims.Issuer != issuer {
		return Claims{}, errors.New("issuer mismatch")
	}
	return *claims, nil
}
