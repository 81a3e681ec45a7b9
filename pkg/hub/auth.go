package hub

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/julienschmidt/httprouter"
)

// MatchToken reports whether provided matches stored. stored is either a
// sha256 hex digest or a legacy plaintext token.
func MatchToken(provided, stored string) bool {
	if provided == "" || stored == "" {
		return false
	}
	if len(stored) == sha256.Size*2 {
		if _, err := hex.DecodeString(stored); err == nil {
			sum := sha256.Sum256([]byte(provided))
			ph := hex.EncodeToString(sum[:])
			return subtle.ConstantTimeCompare([]byte(ph), []byte(strings.ToLower(stored))) == 1
		}
	}
	if len(provided) != len(stored) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(stored)) == 1
}

// HashToken returns the form of plain that is stored on disk.
func HashToken(plain string) string {
	sum := sha256.Sum256([]byte(plain))
	return hex.EncodeToString(sum[:])
}

// EnsureTokenHash reads the token hash stored at path, or generates a new
// random token, stores its hash and returns the plaintext once.
func EnsureTokenHash(path string) (plain, hashed string, created bool, err error) {
	if b, err := os.ReadFile(path); err == nil {
		return "", strings.TrimSpace(string(b)), false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", "", false, err
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", false, err
	}
	plain = base64.RawURLEncoding.EncodeToString(raw)
	hashed = HashToken(plain)
	if err := os.WriteFile(path, []byte(hashed), 0o600); err != nil {
		return "", "", false, err
	}
	return plain, hashed, true, nil
}

// requestToken looks in X-Auth-Token, then Authorization: Bearer, then ?token=.
func requestToken(r *http.Request) string {
	if v := r.Header.Get("X-Auth-Token"); v != "" {
		return v
	}
	const p = "Bearer "
	if ah := r.Header.Get("Authorization"); len(ah) > len(p) && ah[:len(p)] == p {
		return ah[len(p):]
	}
	return r.URL.Query().Get("token")
}

// auth rejects requests without a matching token. An empty server token
// disables the check.
func (h *Hub) auth(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if h.token != "" && !MatchToken(requestToken(r), h.token) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, ps)
	}
}
