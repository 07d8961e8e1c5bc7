// Package secretbox 提供基于 NaCl secretbox 的 Crypto 能力参考实现
//
// 密文格式：24 字节随机 nonce || secretbox.Seal 输出。
// 会话密钥可由共享秘密经 HKDF-SHA256 派生，info 为会话 ID。
package secretbox

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/dep2p/go-msgsync/pkg/interfaces"
	"github.com/dep2p/go-msgsync/pkg/types"
)

const (
	// KeySize 密钥长度
	KeySize = 32

	// NonceSize nonce 长度
	NonceSize = 24

	// Overhead 每条密文的额外字节数
	Overhead = NonceSize + secretbox.Overhead
)

var (
	// ErrKeySize 密钥长度不是 32 字节
	ErrKeySize = types.NewError(types.KindCrypto, "key must be 32 bytes", nil)

	// ErrShortCiphertext 密文短于 nonce 加认证标签
	ErrShortCiphertext = types.NewError(types.KindCrypto, "ciphertext too short", nil)

	// ErrOpen 认证失败
	ErrOpen = types.NewError(types.KindCrypto, "authentication failed", nil)
)

// Box secretbox 加解密
type Box struct {
	rand io.Reader
}

// New 创建 Box
func New() *Box {
	return &Box{rand: rand.Reader}
}

// Encrypt 加密明文
func (b *Box) Encrypt(plaintext, key []byte) ([]byte, error) {
	k, err := toKey(key)
	if err != nil {
		return nil, err
	}

	var nonce [NonceSize]byte
	if _, err := io.ReadFull(b.rand, nonce[:]); err != nil {
		return nil, types.NewError(types.KindCrypto, "nonce", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, k), nil
}

// Decrypt 解密密文
func (b *Box) Decrypt(ciphertext, key []byte) ([]byte, error) {
	k, err := toKey(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < Overhead {
		return nil, ErrShortCiphertext
	}

	var nonce [NonceSize]byte
	copy(nonce[:], ciphertext[:NonceSize])
	out, ok := secretbox.Open(nil, ciphertext[NonceSize:], &nonce, k)
	if !ok {
		return nil, ErrOpen
	}
	return out, nil
}

func toKey(key []byte) (*[KeySize]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("got %d bytes: %w", len(key), ErrKeySize)
	}
	var k [KeySize]byte
	copy(k[:], key)
	return &k, nil
}

// DeriveKey 从共享秘密派生会话密钥
func DeriveKey(secret []byte, conversationID string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, types.NewError(types.KindCrypto, "empty secret", nil)
	}
	r := hkdf.New(sha256.New, secret, nil, []byte("msgsync/v1/"+conversationID))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, types.NewError(types.KindCrypto, "derive", err)
	}
	return key, nil
}

// SharedSecretResolver 返回对每个会话派生密钥的 KeyResolver
func SharedSecretResolver(secret []byte) interfaces.KeyResolver {
	return interfaces.KeyResolverFunc(func(conversationID string) ([]byte, error) {
		return DeriveKey(secret, conversationID)
	})
}

var _ interfaces.Crypto = (*Box)(nil)
