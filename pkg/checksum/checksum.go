// Package checksum 提供了对转写文本计算内容指纹的功能。
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint 计算转写文本的内容指纹（SHA-256 十六进制）。
// 相同的文本必然得到相同的指纹，与消息 ID 无关，用作去重键。
func Fingerprint(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
