package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
)

// fingerprintSeparator keeps field boundaries unambiguous in the hashed
// byte layout: canonical_url || "||" || title || "||" || company.
const fingerprintSeparator = "||"

// Fingerprint derives the stable dedup key for a posting from its canonical
// URL, title, and company name. Pure and deterministic: equal inputs always
// hash to the same hex digest.
func Fingerprint(canonicalURL, title, company string) string {
	h := sha256.New()
	h.Write([]byte(canonicalURL))
	h.Write([]byte(fingerprintSeparator))
	h.Write([]byte(title))
	h.Write([]byte(fingerprintSeparator))
	h.Write([]byte(company))
	return hex.EncodeToString(h.Sum(nil))
}
