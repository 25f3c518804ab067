// internal/pkg/sankey/codec.go
//
// Sankey 授权码编解码。线格式与终端侧解码器保持二进制兼容：
//
//	base64( IV[16] ‖ HMAC-SHA256[32] ‖ AES-256-CBC 密文 )
//
// MAC 覆盖 IV ‖ 密文 ‖ accountID，主密钥固定 32 字节；
// 明文是一个 JSON 对象，可选的 expiry 字段为 ISO-8601 时间串。
// 把 accountID 纳入 MAC 意味着授权码天然绑定交易账号，拷给别的账号无效。
package sankey

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strconv"
	"time"
)

// Status 是校验结果的状态码，与终端侧解码器一一对应
type Status int

const (
	StatusValid Status = iota
	StatusExpired
	StatusInvalid
	StatusTampered
	StatusKeyError
	StatusDecryptionFailed
	StatusParseError
)

func (s Status) String() string {
	switch s {
	case StatusValid:
		return "Valid"
	case StatusExpired:
		return "Expired"
	case StatusInvalid:
		return "Invalid"
	case StatusTampered:
		return "Tampered"
	case StatusKeyError:
		return "KeyError"
	case StatusDecryptionFailed:
		return "DecryptionFailed"
	case StatusParseError:
		return "ParseError"
	default:
		return "Unknown"
	}
}

const (
	keySize  = 32
	ivSize   = aes.BlockSize
	macSize  = sha256.Size
	minBytes = ivSize + macSize
)

// ExpiryField 是载荷里约定的过期时间字段名
const ExpiryField = "expiry"

// Encode 生成一枚授权码。payload 会被序列化为 JSON 后加密。
func Encode(masterKey []byte, accountID string, payload map[string]interface{}) (string, error) {
	if len(masterKey) != keySize {
		return "", errors.New("master key must be exactly 32 bytes")
	}
	if accountID == "" {
		return "", errors.New("account id is required")
	}

	plain, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}

	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return "", err
	}
	padded := pkcs7Pad(plain, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	mac := computeMAC(masterKey, iv, ciphertext, accountID)

	out := make([]byte, 0, ivSize+macSize+len(ciphertext))
	out = append(out, iv...)
	out = append(out, mac...)
	out = append(out, ciphertext...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// License 是校验通过后的授权载荷，通过带默认值的 getter 读取
type License struct {
	payload map[string]interface{}
}

// Verify 校验一枚授权码并解出载荷。
// 校验失败时返回 (nil, 对应状态)；过期的授权返回 (nil, StatusExpired)。
func Verify(masterKeyB64, licenseB64, accountID string) (*License, Status) {
	if masterKeyB64 == "" || licenseB64 == "" || accountID == "" {
		return nil, StatusInvalid
	}

	masterKey, err := base64.StdEncoding.DecodeString(masterKeyB64)
	if err != nil || len(masterKey) != keySize {
		return nil, StatusKeyError
	}

	raw, err := base64.StdEncoding.DecodeString(licenseB64)
	if err != nil || len(raw) < minBytes {
		return nil, StatusInvalid
	}

	iv := raw[:ivSize]
	mac := raw[ivSize:minBytes]
	ciphertext := raw[minBytes:]

	expected := computeMAC(masterKey, iv, ciphertext, accountID)
	if !hmac.Equal(mac, expected) {
		return nil, StatusTampered
	}

	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, StatusDecryptionFailed
	}
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, StatusDecryptionFailed
	}
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)
	plain, err = pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		return nil, StatusDecryptionFailed
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(plain, &payload); err != nil {
		return nil, StatusParseError
	}

	if expiryStr, ok := payload[ExpiryField].(string); ok {
		if expiry, err := parseISODateTime(expiryStr); err == nil {
			if time.Now().UTC().After(expiry) {
				return nil, StatusExpired
			}
		}
	}

	return &License{payload: payload}, StatusValid
}

func computeMAC(key, iv, ciphertext []byte, accountID string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(iv)
	h.Write(ciphertext)
	h.Write([]byte(accountID))
	return h.Sum(nil)
}

// GetString 读取字符串字段，缺失或类型不符时返回默认值
func (l *License) GetString(key, def string) string {
	if v, ok := l.payload[key].(string); ok {
		return v
	}
	return def
}

// GetInt 读取整数字段，兼容 JSON number 和数字字符串
func (l *License) GetInt(key string, def int) int {
	switch v := l.payload[key].(type) {
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// GetBool 读取布尔字段，兼容 "true"/"1"/"yes" 字符串和数字
func (l *License) GetBool(key string, def bool) bool {
	switch v := l.payload[key].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "1" || v == "yes"
	case float64:
		return v != 0
	}
	return def
}

// GetFloat 读取浮点字段，兼容数字字符串
func (l *License) GetFloat(key string, def float64) float64 {
	switch v := l.payload[key].(type) {
	case float64:
		return v
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// GetTime 读取 ISO-8601 时间字段
func (l *License) GetTime(key string, def time.Time) time.Time {
	if v, ok := l.payload[key].(string); ok {
		if t, err := parseISODateTime(v); err == nil {
			return t
		}
	}
	return def
}

// HasKey 判断载荷里是否存在某字段
func (l *License) HasKey(key string) bool {
	_, ok := l.payload[key]
	return ok
}

func parseISODateTime(s string) (time.Time, error) {
	// RFC3339Nano 同时接受带毫秒和不带毫秒的形式
	return time.Parse(time.RFC3339Nano, s)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(padding)}, padding)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("invalid padded data length")
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize || padding > len(data) {
		return nil, errors.New("invalid padding")
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, errors.New("invalid padding")
		}
	}
	return data[:len(data)-padding], nil
}
