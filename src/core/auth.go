package main

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// AuthKeyFilename is the file local applications read the auth token from
const AuthKeyFilename = "auth.key"

// NewAuthToken generates a fresh local auth token and writes it to dataDir
func NewAuthToken(dataDir string) (string, error) {
	token := uuid.NewString()

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dataDir, AuthKeyFilename), []byte(token), 0600); err != nil {
		return "", fmt.Errorf("failed to write auth key: %w", err)
	}
	return token, nil
}

// bearerToken extracts the token from "Authorization: Bearer <token>"
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// bodyToken reads an "auth" field from a JSON body, restoring the body after.
// Older Forge clients send the token this way.
func bodyToken(r *http.Request) string {
	if r.Body == nil {
		return ""
	}
	data, err := io.ReadAll(r.Body)
	r.Body = io.NopCloser(bytes.NewReader(data))
	if err != nil || len(data) == 0 {
		return ""
	}
	var payload struct {
		Auth string `json:"auth"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return ""
	}
	return payload.Auth
}

// VerifyToken compares a presented token with the expected one in constant time
func VerifyToken(presented, expected string) bool {
	if presented == "" || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}

// AuthMiddleware rejects requests that do not carry the local auth token
func AuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := bearerToken(r)
			if presented == "" {
				presented = bodyToken(r)
			}
			if !VerifyToken(presented, token) {
				logger.Warn("Rejected unauthorized local request",
					"path", r.URL.Path,
					"ip", remoteIP(r),
					"requestId", GetRequestID(r.Context()))
				writeError(w, http.StatusUnauthorized, ErrNotAuthorized.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
