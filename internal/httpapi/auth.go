package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

type tokenClaims struct {
	AgentID string
	Scopes  map[string]struct{}
	Exp     int64
}

// authorizeBearer validates the token and, when agentID is non-empty,
// pins the caller to that mailbox. Tokens with the admin:read scope may
// act on any mailbox.
func authorizeBearer(authHeader, secret, agentID, requiredScope string, now time.Time) (tokenClaims, *authError) {
	claims, err := parseBearer(authHeader, secret, now)
	if err != nil {
		return tokenClaims{}, err
	}
	if agentID != "" && claims.AgentID != agentID {
		if _, ok := claims.Scopes["admin:read"]; !ok {
			return tokenClaims{}, &authError{
				status:  403,
				code:    "forbidden",
				message: "agent mismatch",
			}
		}
	}
	if requiredScope != "" {
		if _, ok := claims.Scopes[requiredScope]; !ok {
			return tokenClaims{}, &authError{
				status:  403,
				code:    "forbidden",
				message: "missing required scope: " + requiredScope,
			}
		}
	}
	return claims, nil
}

func parseBearer(authHeader, secret string, now time.Time) (tokenClaims, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return tokenClaims{}, &authError{
			status:  401,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return tokenClaims{}, &authError{
			status:  401,
			code:    "unauthorized",
			message: "invalid jwt format",
		}
	}

	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid jwt header"}
	}
	var header struct {
		Alg string `json:"alg"`
		Typ string `json:"typ"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid jwt header"}
	}
	if header.Alg != "HS256" {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "unsupported jwt algorithm"}
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid jwt payload"}
	}

	sigBytes, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid jwt signature"}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(parts[0] + "." + parts[1]))
	expected := mac.Sum(nil)
	if !hmac.Equal(sigBytes, expected) {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "jwt signature mismatch"}
	}

	var payload map[string]any
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid jwt payload"}
	}

	agentID, ok := payload["agent_id"].(string)
	if !ok || agentID == "" {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "missing agent_id claim"}
	}

	exp, err2 := parseExp(payload["exp"])
	if err2 != nil {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid exp claim"}
	}
	if now.Unix() >= exp {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "token expired"}
	}
	if aud, ok := payload["aud"].(string); !ok || aud != "cellphone" {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid aud claim"}
	}

	scopes := parseScopes(payload["scopes"])
	if len(scopes) == 0 {
		return tokenClaims{}, &authError{status: 403, code: "forbidden", message: "no scopes granted"}
	}

	return tokenClaims{
		AgentID: agentID,
		Scopes:  scopes,
		Exp:     exp,
	}, nil
}

func parseScopes(v any) map[string]struct{} {
	out := map[string]struct{}{}
	switch typed := v.(type) {
	case []any:
		for _, item := range typed {
			if scope, ok := item.(string); ok && scope != "" {
				out[scope] = struct{}{}
			}
		}
	case []string:
		for _, scope := range typed {
			if scope != "" {
				out[scope] = struct{}{}
			}
		}
	case string:
		for _, scope := range strings.Fields(typed) {
			out[scope] = struct{}{}
		}
	}
	return out
}

func parseExp(v any) (int64, error) {
	switch typed := v.(type) {
	case float64:
		return int64(typed), nil
	case int64:
		return typed, nil
	case json.Number:
		return typed.Int64()
	default:
		return 0, errors.New("unsupported exp type")
	}
}
