package internal

import "crypto/sha256"

// HashFingerprint digests the client IP and user agent into the value
// stored on a session record. Empty inputs are allowed; the result then
// only marks "no fingerprint available".
func HashFingerprint(ip, userAgent string) [32]byte {
	return sha256.Sum256([]byte(ip + "\x00" + userAgent))
}
