package provenance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Signer produces a tamper-evident HMAC-SHA256 signature over a
// transaction's provenance chain, attached as evidence when a dispute is
// filed. A nil *Signer disables signing without the caller needing to
// branch.
type Signer struct {
	secret []byte
}

// NewSigner builds a Signer from a shared secret. An empty secret disables
// signing (returns nil).
func NewSigner(secret string) *Signer {
	if secret == "" {
		return nil
	}
	return &Signer{secret: []byte(secret)}
}

// SignChain returns the hex-encoded HMAC-SHA256 of the chain's canonical
// JSON encoding. Returns "" on a nil Signer.
func (s *Signer) SignChain(chain []*Record) string {
	if s == nil {
		return ""
	}
	data, err := json.Marshal(chain)
	if err != nil {
		return ""
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyChain checks a previously computed signature against the chain.
func (s *Signer) VerifyChain(chain []*Record, signature string) bool {
	if s == nil {
		return false
	}
	expected := s.SignChain(chain)
	return hmac.Equal([]byte(expected), []byte(signature))
}
