package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"clinic-scheduler/internal/model"
)

const identityKey = "identity"

type staticToken struct {
	token string
	id    model.Identity
}

// parseStaticTokens reads "token:user:role" entries separated by commas.
// Entries without a role default to patient.
func parseStaticTokens(raw string) []staticToken {
	var out []staticToken
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		st := staticToken{token: parts[0], id: model.Identity{UserID: parts[0], Role: model.RolePatient}}
		if len(parts) > 1 && parts[1] != "" {
			st.id.UserID = parts[1]
		}
		if len(parts) > 2 {
			if r, ok := parseRole(parts[2]); ok {
				st.id.Role = r
			}
		}
		out = append(out, st)
	}
	return out
}

func parseRole(s string) (model.Role, bool) {
	switch r := model.Role(strings.ToLower(strings.TrimSpace(s))); r {
	case model.RolePatient, model.RoleDoctor, model.RoleAdmin:
		return r, true
	}
	return "", false
}

// AuthMiddleware resolves a Bearer credential into a model.Identity. HMAC JWTs
// carry the user in "sub" and the role in "role"; static tokens serve local
// development. Stream endpoints may pass the token as ?access_token= because
// browsers cannot set headers on EventSource.
func AuthMiddleware(jwtSecret, staticTokens string) gin.HandlerFunc {
	statics := parseStaticTokens(staticTokens)
	secret := strings.TrimSpace(jwtSecret)

	return func(c *gin.Context) {
		tokenStr, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		// JWT path
		if secret != "" {
			if id, err := parseJWT(tokenStr, secret); err == nil {
				c.Set(identityKey, id)
				c.Next()
				return
			}
		}

		// static tokens
		for _, t := range statics {
			if tokenStr == t.token {
				c.Set(identityKey, t.id)
				c.Next()
				return
			}
		}

		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	auth := c.GetHeader("Authorization")
	if auth == "" {
		if q := c.Query("access_token"); q != "" {
			return q, true
		}
		return "", false
	}
	parts := strings.Fields(auth)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}

func parseJWT(tokenStr, secret string) (model.Identity, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenMalformed
		}
		return []byte(secret), nil
	}, jwt.WithLeeway(5*time.Second))
	if err != nil {
		return model.Identity{}, err
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return model.Identity{}, jwt.ErrTokenInvalidClaims
	}
	roleStr, _ := claims["role"].(string)
	role, ok := parseRole(roleStr)
	if !ok {
		return model.Identity{}, jwt.ErrTokenInvalidClaims
	}
	return model.Identity{UserID: sub, Role: role}, nil
}

// IdentityFrom returns the caller resolved by AuthMiddleware.
func IdentityFrom(c *gin.Context) model.Identity {
	if v, ok := c.Get(identityKey); ok {
		if id, ok := v.(model.Identity); ok {
			return id
		}
	}
	return model.Identity{}
}
