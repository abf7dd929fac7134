package jwttoken

import (
	authmw "atsflow/pkg/platform/middleware/auth"
)

// Middleware returns the validator RequireAuth expects. Role parsing stays in
// the middleware; only subject, role and token ID cross over.
func (s *JWTService) Middleware() authmw.JWTValidator {
	return middlewareValidator{service: s}
}

type middlewareValidator struct {
	service *JWTService
}

func (v middlewareValidator) ValidateToken(raw string) (*authmw.JWTClaims, error) {
	claims, err := v.service.ValidateToken(raw)
	if err != nil {
		return nil, err
	}
	return &authmw.JWTClaims{Subject: claims.Subject, Role: claims.Role, JTI: claims.ID}, nil
}
