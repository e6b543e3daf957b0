// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sandbox

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CapabilityClaims is a signed, self-contained description of what a
// worker is allowed to touch. Handing a worker this token instead of a
// bare Permissions value lets it (or a cooperating library inside the
// worker) verify its own capability without a round trip to the
// supervisor.
type CapabilityClaims struct {
	jwt.RegisteredClaims
	EnvAllow []string `json:"envAllow,omitempty"`
	FSAllow  []string `json:"fsAllow,omitempty"`
	FSDeny   []string `json:"fsDeny,omitempty"`
}

// IssueCapabilityToken signs perms as an HS256 JWT under secret, valid
// for ttl from now. subject is usually the invocation id.
func IssueCapabilityToken(perms Permissions, secret []byte, subject string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", fmt.Errorf("sandbox: capability token requires a non-empty secret")
	}

	now := time.Now()
	claims := CapabilityClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		EnvAllow: perms.EnvAllow,
		FSAllow:  perms.FSAllow,
		FSDeny:   perms.FSDeny,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sandbox: sign capability token: %w", err)
	}
	return signed, nil
}

// VerifyCapabilityToken validates tokenString against secret and
// returns the Permissions it carries. A worker calls this to recover
// the allow-lists it was started with rather than trusting its own
// argv/env unconditionally.
func VerifyCapabilityToken(tokenString string, secret []byte) (Permissions, error) {
	if len(secret) == 0 {
		return Permissions{}, fmt.Errorf("sandbox: capability verification requires a non-empty secret")
	}

	token, err := jwt.ParseWithClaims(tokenString, &CapabilityClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Method.Alg())
		}
		return secret, nil
	})
	if err != nil {
		return Permissions{}, fmt.Errorf("sandbox: parse capability token: %w", err)
	}

	claims, ok := token.Claims.(*CapabilityClaims)
	if !ok || !token.Valid {
		return Permissions{}, fmt.Errorf("sandbox: invalid capability token")
	}

	return Permissions{EnvAllow: claims.EnvAllow, FSAllow: claims.FSAllow, FSDeny: claims.FSDeny}, nil
}
