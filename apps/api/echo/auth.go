package echoapi

import (
	"sort"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-proctor/core"
)

const (
	RoleProctor = "proctor"

	contextTokenKey = "userToken"
	audience        = "Masomo Proctor"
)

// Claims represents the authorization claims transmitted via a JWT. Tokens are issued by
// the identity system; the subject is the monitored user.
type Claims struct {
	jwt.StandardClaims
	ExamID string   `json:"exam_id,omitempty"`
	Roles  []string `json:"roles,omitempty"`
}

func NewClaims(conf *core.Config, subject, examID string, roles ...string) *Claims {
	now := time.Now()
	return &Claims{
		StandardClaims: jwt.StandardClaims{
			Issuer:    conf.AppName,
			Subject:   subject,
			Audience:  audience,
			ExpiresAt: now.Add(conf.Server.JWTExpirationDelta).Unix(),
			IssuedAt:  now.Unix(),
		},
		ExamID: examID,
		Roles:  roles,
	}
}

func (c Claims) HasRole(role string) bool {
	roles := append([]string(nil), c.Roles...)
	sort.Strings(roles)
	i := sort.SearchStrings(roles, role)
	return i < len(roles) && roles[i] == role
}

func (c Claims) IsProctor() bool { return c.HasRole(RoleProctor) }

// GenerateToken generates a signed JWT token string representing the Claims.
func GenerateToken(secretKey string, claims *Claims) (string, error) {
	method := jwt.GetSigningMethod(middleware.AlgorithmHS256)
	token := jwt.NewWithClaims(method, claims)

	ss, err := token.SignedString([]byte(secretKey))
	if err != nil {
		return "", errors.Wrap(err, "signing token")
	}
	return ss, nil
}

// jwtConfig reads the bearer token from lookup ("header:Authorization" or "query:token").
// Browsers cannot set headers on WebSocket upgrades, hence the query variant.
func jwtConfig(secretKey, lookup string) middleware.JWTConfig {
	return middleware.JWTConfig{
		SigningKey:    []byte(secretKey),
		SigningMethod: middleware.AlgorithmHS256,
		ContextKey:    contextTokenKey,
		Claims:        new(Claims),
		TokenLookup:   lookup,
	}
}

func getContextClaims(ctx echo.Context) (Claims, error) {
	if token, ok := ctx.Get(contextTokenKey).(*jwt.Token); ok {
		if claims, ok := token.Claims.(*Claims); ok {
			return *claims, nil
		}
	}
	return Claims{}, errUnauthorized
}
