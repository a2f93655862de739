package service

import "golang.org/x/crypto/bcrypt"

// BcryptVerifier verifies passwords against bcrypt hashes. The comparison
// is constant time for matching-length inputs.
type BcryptVerifier struct{}

// Verify reports whether password matches the stored hash.
func (BcryptVerifier) Verify(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// timingEqualizerHash keeps the unknown-user path as slow as a real
// password mismatch so usernames cannot be probed by latency.
var timingEqualizerHash = func() string {
	hash, err := bcrypt.GenerateFromPassword([]byte("timing-equalizer"), bcrypt.DefaultCost)
	if err != nil {
		return ""
	}
	return string(hash)
}()
