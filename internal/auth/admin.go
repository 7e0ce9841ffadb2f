package auth

import (
	"golang.org/x/crypto/bcrypt"

	"numota/internal/types"
)

// VerifyAdminKey checks a presented admin API key against the configured
// bcrypt hash. An empty hash means the admin surface is disabled and every
// key is rejected.
func VerifyAdminKey(hash types.SecretString, presented string) error {
	if hash.Unmask() == "" || presented == "" {
		return types.NewAppError(types.ErrCodeAuthAdminKeyInvalid,
			"admin access is not configured", nil)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash.Unmask()), []byte(presented)); err != nil {
		return types.NewAppError(types.ErrCodeAuthAdminKeyInvalid,
			"invalid admin key", err)
	}
	return nil
}

// HashAdminKey produces a bcrypt hash suitable for the ADMIN_API_KEY_HASH
// configuration value. Used by operational tooling, not request paths.
func HashAdminKey(key string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
