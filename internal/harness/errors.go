package harness

import (
	"errors"
	"fmt"
)

var (
	// ErrConformance 表示受测场所行为与预期不符，属终态错误，不做重试。
	ErrConformance = errors.New("conformance violation")
)

// IsConformance 判断错误是否为一致性违例。
func IsConformance(err error) bool {
	return errors.Is(err, ErrConformance)
}

func conformanceErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrConformance}, args...)...)
}
