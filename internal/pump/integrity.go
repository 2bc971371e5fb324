package pump

import (
	_ "crypto/sha256"
	_ "crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
)

// ErrInvalidIntegrity 表示请求携带的完整性描述无法解析。
var ErrInvalidIntegrity = errors.New("invalid integrity value")

// ParseIntegrity 解析 OCI 风格（sha256:<hex>）或 SRI 风格（sha256-<base64>）
// 的摘要描述；空字符串表示不做校验。
func ParseIntegrity(raw string) (digest.Digest, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}

	if strings.Contains(raw, ":") {
		d, err := digest.Parse(strings.ToLower(raw))
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidIntegrity, err)
		}
		return d, nil
	}

	alg, encoded, ok := strings.Cut(raw, "-")
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrInvalidIntegrity, raw)
	}
	algorithm := digest.Algorithm(strings.ToLower(alg))
	if !algorithm.Available() {
		return "", fmt.Errorf("%w: unsupported algorithm %s", ErrInvalidIntegrity, alg)
	}
	sum, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidIntegrity, err)
	}
	d := digest.NewDigestFromEncoded(algorithm, hex.EncodeToString(sum))
	if err := d.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidIntegrity, err)
	}
	return d, nil
}

// SameIntegrity reports whether two integrity strings describe the same digest.
// Unparseable values never match.
func SameIntegrity(a, b string) bool {
	da, errA := ParseIntegrity(a)
	db, errB := ParseIntegrity(b)
	if errA != nil || errB != nil {
		return false
	}
	return da == db
}
