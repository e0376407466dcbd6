package hashing

import (
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/dmitrijs2005/filekeeper/internal/common"
	"golang.org/x/crypto/scrypt"
)

const (
	v1SaltSize = 16
	v1KeySize  = 32
	v1N        = 32768
	v1R        = 8
	v1P        = 1
)

// V1 is the original scrypt strategy. It is kept only so accounts created
// before the argon2id rollout keep verifying until their first login
// migrates them.
type V1 struct{}

func NewV1() *V1 { return &V1{} }

func (*V1) Version() string { return "v1" }

func (*V1) HashPassword(password string) (string, string, error) {
	salt, err := common.MakeRandHexString(v1SaltSize)
	if err != nil {
		return "", "", err
	}
	hash, err := v1Hash(password, salt)
	if err != nil {
		return "", "", err
	}
	return salt, hash, nil
}

func (*V1) CheckPassword(password, salt, hash string) (bool, error) {
	computed, err := v1Hash(password, salt)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(hash)) == 1, nil
}

func v1Hash(password, salt string) (string, error) {
	key, err := scrypt.Key([]byte(password), []byte(salt), v1N, v1R, v1P, v1KeySize)
	if err != nil {
		return "", fmt.Errorf("scrypt: %w", err)
	}
	return hex.EncodeToString(key), nil
}
