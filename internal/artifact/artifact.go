package artifact

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
)

// MaxBytes is the largest artifact accepted by Validate.
const MaxBytes = 1 << 20

// Signature is the leading byte sequence every report artifact must carry.
var Signature = []byte("%PDF-")

var hashPattern = regexp.MustCompile(`^[a-f0-9]{64}$`)

type Result struct {
	Valid   bool     `json:"valid"`
	Reasons []string `json:"reasons,omitempty"`
}

type Validator struct {
	MaxBytes  int
	Signature []byte
}

// NewValidator returns a validator with the default limits. maxBytes can
// only lower the cap; zero or anything above MaxBytes keeps MaxBytes.
func NewValidator(maxBytes int) Validator {
	if maxBytes <= 0 || maxBytes > MaxBytes {
		maxBytes = MaxBytes
	}
	return Validator{MaxBytes: maxBytes, Signature: Signature}
}

// Validate runs every check and reports all failures at once. clientHash is
// checked for format only.
func (v Validator) Validate(raw []byte, clientHash string) Result {
	limit := v.MaxBytes
	if limit <= 0 {
		limit = MaxBytes
	}
	sig := v.Signature
	if len(sig) == 0 {
		sig = Signature
	}
	var reasons []string
	switch {
	case len(raw) == 0:
		reasons = append(reasons, "artifact is empty")
	case len(raw) > limit:
		reasons = append(reasons, fmt.Sprintf("artifact is %d bytes, limit is %d", len(raw), limit))
	}
	if len(raw) > 0 && !bytes.HasPrefix(raw, sig) {
		reasons = append(reasons, fmt.Sprintf("artifact does not start with %q", sig))
	}
	if clientHash != "" && !ValidHash(clientHash) {
		reasons = append(reasons, "client hash must be 64 lowercase hex characters")
	}
	return Result{Valid: len(reasons) == 0, Reasons: reasons}
}

// Validate uses the default validator.
func Validate(raw []byte, clientHash string) Result {
	return NewValidator(0).Validate(raw, clientHash)
}

// Hash returns the lowercase hex SHA-256 of raw.
func Hash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func ValidHash(h string) bool {
	return hashPattern.MatchString(h)
}

// Key is the storage key of an artifact. It embeds the content hash so that
// repeated writes of the same bytes land on the same object.
func Key(batchID, contentHash string) string {
	return fmt.Sprintf("reports/%s/%s.pdf", batchID, contentHash)
}
