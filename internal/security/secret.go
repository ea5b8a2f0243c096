package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// EncryptedPrefix 密文前缀，用于区分已加密与明文值
const EncryptedPrefix = "enc:"

// MaskedValue 敏感字段对外展示的掩码
const MaskedValue = "********"

const devSecretSeed = "eventhub_dev_secret_change_me"

// ErrEmptySecret 待加密内容为空
var ErrEmptySecret = errors.New("待加密内容不能为空")

// SecretBox 使用 XChaCha20-Poly1305 加解密实例中的敏感配置
type SecretBox struct {
	key []byte
}

// NewSecretBox 通过 HKDF 从配置的种子派生 32 字节密钥，种子为空时使用开发默认值
func NewSecretBox(seed string) (*SecretBox, error) {
	seed = strings.TrimSpace(seed)
	if seed == "" {
		seed = devSecretSeed
	}
	reader := hkdf.New(sha256.New, []byte(seed), nil, []byte("eventhub/instance-config"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("派生密钥失败: %w", err)
	}
	return &SecretBox{key: key}, nil
}

// Encrypt 加密字符串，返回 "enc:" + base64(nonce||ciphertext)
func (b *SecretBox) Encrypt(plain string) (string, error) {
	if plain == "" {
		return "", ErrEmptySecret
	}
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return "", fmt.Errorf("初始化加密器失败: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("生成随机数失败: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plain), nil)
	return EncryptedPrefix + base64.RawStdEncoding.EncodeToString(sealed), nil
}

// Decrypt 解密 Encrypt 生成的值；不带前缀的值按明文原样返回
func (b *SecretBox) Decrypt(value string) (string, error) {
	if !IsEncrypted(value) {
		return value, nil
	}
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(value, EncryptedPrefix))
	if err != nil {
		return "", fmt.Errorf("密文编码无效: %w", err)
	}
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return "", fmt.Errorf("初始化加密器失败: %w", err)
	}
	if len(raw) < aead.NonceSize() {
		return "", fmt.Errorf("密文长度无效")
	}
	nonce, data := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, data, nil)
	if err != nil {
		return "", fmt.Errorf("解密失败: %w", err)
	}
	return string(plain), nil
}

// IsEncrypted 判断值是否为密文
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, EncryptedPrefix)
}

// Mask 返回用于展示的掩码值
func Mask(value string) string {
	if value == "" {
		return ""
	}
	return MaskedValue
}
