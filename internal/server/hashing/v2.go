package hashing

import (
	"crypto/subtle"
	"encoding/hex"

	"github.com/dmitrijs2005/filekeeper/internal/common"
	"golang.org/x/crypto/argon2"
)

const (
	v2SaltSize    = 16
	v2KeySize     = 32
	v2Time        = 1
	v2MemoryKiB   = 64 * 1024
	v2Parallelism = 4
)

// V2 is the current argon2id strategy.
type V2 struct{}

func NewV2() *V2 { return &V2{} }

func (*V2) Version() string { return "v2" }

func (*V2) HashPassword(password string) (string, string, error) {
	salt, err := common.MakeRandHexString(v2SaltSize)
	if err != nil {
		return "", "", err
	}
	return salt, v2Hash(password, salt), nil
}

func (*V2) CheckPassword(password, salt, hash string) (bool, error) {
	computed := v2Hash(password, salt)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(hash)) == 1, nil
}

func v2Hash(password, salt string) string {
	key := argon2.IDKey([]byte(password), []byte(salt), v2Time, v2MemoryKiB, v2Parallelism, v2KeySize)
	return hex.EncodeToString(key)
}
