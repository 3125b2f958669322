package server

import (
	"fmt"
	"net/http"
	"time"

	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/stratacms/strata/crud"
)

// JWTService signs and validates session tokens.
type JWTService struct {
	secret []byte
}

func NewJWTService(secret string) *JWTService {
	return &JWTService{secret: []byte(secret)}
}

// GenerateToken mints a token carrying the session's identity and roles.
func (j *JWTService) GenerateToken(session *crud.Session, expiration time.Duration) (string, error) {
	now := time.Now()
	roles := make([]any, len(session.Roles))
	for i, role := range session.Roles {
		roles[i] = role
	}
	token, err := jwt.NewBuilder().
		Subject(session.UserID).
		IssuedAt(now).
		Expiration(now.Add(expiration)).
		Claim("email", session.Email).
		Claim("roles", roles).
		Build()
	if err != nil {
		return "", fmt.Errorf("failed to build token: %w", err)
	}
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, j.secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return string(signed), nil
}

// ValidateToken parses a signed token back into a session.
func (j *JWTService) ValidateToken(tokenString string) (*crud.Session, error) {
	token, err := jwt.Parse([]byte(tokenString), jwt.WithKey(jwa.HS256, j.secret))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	session := &crud.Session{UserID: token.Subject()}
	if email, ok := token.Get("email"); ok {
		if s, ok := email.(string); ok {
			session.Email = s
		}
	}
	if claim, ok := token.Get("roles"); ok {
		if roles, ok := claim.([]any); ok {
			for _, role := range roles {
				if s, ok := role.(string); ok {
					session.Roles = append(session.Roles, s)
				}
			}
		}
	}
	return session, nil
}

// SessionMiddleware resolves the caller's session from a bearer token.
// Requests without a token stay anonymous; access rules decide what an
// anonymous caller may do. Invalid tokens are rejected outright.
func SessionMiddleware(svc *JWTService) echo.MiddlewareFunc {
	jwtMiddleware := echojwt.WithConfig(echojwt.Config{
		TokenLookup: "header:Authorization:Bearer ",
		ParseTokenFunc: func(c echo.Context, auth string) (interface{}, error) {
			session, err := svc.ValidateToken(auth)
			if err != nil {
				return nil, err
			}
			ctx := crud.WithSession(c.Request().Context(), session)
			c.SetRequest(c.Request().WithContext(ctx))
			return session, nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			if _, ok := err.(*echojwt.TokenExtractionError); ok {
				// No credentials: continue as anonymous.
				return nil
			}
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
		},
		ContinueOnIgnoredError: true,
	})
	return jwtMiddleware
}
