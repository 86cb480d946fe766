package idempotency

const (
	keyIDPrefixLen    = 12
	bodyHashPrefixLen = 16
)

// BodyFingerprint derives the body-keyed lookup key from the credential
// key id prefix and the body hash prefix.
func BodyFingerprint(keyID, bodyHash string) string {
	return clip(keyID, keyIDPrefixLen) + ":" + clip(bodyHash, bodyHashPrefixLen)
}

// TokenFingerprint derives the token-keyed lookup key for a client
// idempotency token.
func TokenFingerprint(keyID, token string) string {
	return clip(keyID, keyIDPrefixLen) + ":tok:" + token
}

func clip(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
