/*
Copyright The Volcano Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package auth authenticates callers of the scheduler API with JWT bearer tokens.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lestrrat-go/jwx/v3/jws"
	"github.com/lestrrat-go/jwx/v3/jwt"
	"k8s.io/klog/v2"

	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/config"
)

const (
	header = "Authorization"
	prefix = "Bearer "

	// UserIdKey is the gin context key holding the token subject.
	UserIdKey = "user_id"

	clockSkew = time.Minute
)

func extractTokenFromHeader(req *http.Request) string {
	value := req.Header.Get(header)
	return strings.TrimSpace(strings.TrimPrefix(value, prefix))
}

// JWTAuthenticator validates bearer tokens against a rotating JWKS.
type JWTAuthenticator struct {
	issuer    string
	audiences []string
	rotator   *JWKSRotator
}

func NewJWTAuthenticator(cfg config.AuthConfig) *JWTAuthenticator {
	return &JWTAuthenticator{
		issuer:    cfg.Issuer,
		audiences: cfg.Audiences,
		rotator:   NewJWKSRotator(cfg.JWKSURI, cfg.RotationInterval.Duration),
	}
}

func (j *JWTAuthenticator) Start(ctx context.Context) error {
	return j.rotator.Start(ctx)
}

func (j *JWTAuthenticator) Close() {
	j.rotator.Stop()
}

// Authenticate validates the token and returns its subject.
func (j *JWTAuthenticator) Authenticate(ctx context.Context, tokenStr string) (string, error) {
	if tokenStr == "" {
		return "", fmt.Errorf("authorization header missing or empty")
	}
	keySet := j.rotator.KeySet()
	if keySet == nil {
		return "", fmt.Errorf("no JWKS available for token validation")
	}

	opts := []jwt.ParseOption{
		jwt.WithContext(ctx),
		jwt.WithKeySet(keySet, jws.WithInferAlgorithmFromKey(true)),
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(clockSkew),
		jwt.WithRequiredClaim(jwt.ExpirationKey),
	}
	if j.issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.issuer))
	}
	if len(j.audiences) > 0 {
		opts = append(opts, jwt.WithValidator(jwt.ValidatorFunc(j.validateAudiences)))
	}

	token, err := jwt.Parse([]byte(tokenStr), opts...)
	if err != nil {
		return "", fmt.Errorf("failed to parse jwt: %w", err)
	}
	sub, _ := token.Subject()
	return sub, nil
}

func (j *JWTAuthenticator) validateAudiences(_ context.Context, token jwt.Token) error {
	aud, ok := token.Audience()
	if !ok {
		return fmt.Errorf("audience claim missing")
	}
	for _, got := range aud {
		for _, expected := range j.audiences {
			if got == expected {
				return nil
			}
		}
	}
	return fmt.Errorf("audience mismatch: expected one of %v, got %v", j.audiences, aud)
}

// Middleware rejects requests without a valid bearer token.
func (j *JWTAuthenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		sub, err := j.Authenticate(c.Request.Context(), extractTokenFromHeader(c.Request))
		if err != nil {
			klog.V(4).Infof("Authentication failed for %s: %v", c.Request.URL.Path, err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "Unauthorized", "message": err.Error()})
			return
		}
		c.Set(UserIdKey, sub)
		c.Next()
	}
}
