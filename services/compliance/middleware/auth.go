// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides gin middleware for the compliance admin API.
//
// # Authentication Flow
//
//	Request
//	   │
//	   ▼
//	AdminAuth
//	   │
//	   ├─► Extract token from "Authorization: Bearer <token>"
//	   │
//	   ├─► Authorizer.Authorize(ctx, token)
//	   │
//	   └─► Store the admin identity in context
//	           │
//	           ▼
//	       Handler (retrieves via GetAdmin)
//
// The host product normally injects its own Authorizer. StaticToken covers
// single-operator deployments; with no token configured the admin routes
// are left to an upstream proxy and every request is the "local-admin".
package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ErrUnauthorized is returned by an Authorizer that rejects a token.
var ErrUnauthorized = errors.New("unauthorized")

const adminKey = "aleutian_compliance_admin"

// LocalAdmin is the identity used when no token is configured.
const LocalAdmin = "local-admin"

// Authorizer validates a bearer token and returns the admin's identifier.
type Authorizer interface {
	Authorize(ctx context.Context, token string) (string, error)
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, token string) (string, error)

// Authorize implements Authorizer.
func (f AuthorizerFunc) Authorize(ctx context.Context, token string) (string, error) {
	return f(ctx, token)
}

// StaticToken accepts exactly one shared secret.
//
// # Description
//
// The comparison is constant time. An empty secret accepts every request
// as LocalAdmin.
func StaticToken(secret string) Authorizer {
	return AuthorizerFunc(func(_ context.Context, token string) (string, error) {
		if secret == "" {
			return LocalAdmin, nil
		}
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			return "", ErrUnauthorized
		}
		return "admin", nil
	})
}

// AdminAuth rejects requests the authorizer does not accept.
//
// # Description
//
// Responds 401 with a fixed body; the token and the authorizer's error
// text are never echoed. On success the admin identity is stored for
// GetAdmin.
//
// # Inputs
//
//   - auth: Token validator. Must not be nil.
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware for the admin route group.
func AdminAuth(auth Authorizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		admin, err := auth.Authorize(c.Request.Context(), extractBearerToken(c))
		if err != nil {
			if !errors.Is(err, ErrUnauthorized) {
				slog.Warn("admin.auth.provider_failed",
					slog.String("path", c.FullPath()),
					slog.String("error", err.Error()),
				)
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(adminKey, admin)
		c.Next()
	}
}

// GetAdmin returns the identity AdminAuth stored, or "" outside the group.
func GetAdmin(c *gin.Context) string {
	return c.GetString(adminKey)
}

func extractBearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
