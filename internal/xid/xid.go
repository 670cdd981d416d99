package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// New returns a document number like SO-20260830-4f2a9c3b. The date part keeps
// numbers scannable in logs and exports; the random part keeps them unique.
func New(prefix string) string {
	stamp := time.Now().UTC().Format("20060102")
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s-%s-%d", strings.ToUpper(prefix), stamp, time.Now().UnixNano()%1_000_000)
	}
	return fmt.Sprintf("%s-%s-%s", strings.ToUpper(prefix), stamp, hex.EncodeToString(buf))
}
