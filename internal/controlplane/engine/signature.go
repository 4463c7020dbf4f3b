package engine

import (
	"encoding/hex"
	"io"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/danshapiro/helmsman/internal/controlplane/runtime"
)

// FailureSignature produces a stable short identifier for a failure so
// identical consecutive failures can be counted across retries and replans.
// Reasons are normalized before hashing: the same underlying failure should
// hash the same even when messages differ in case or spacing.
func FailureSignature(capability string, severity runtime.Severity, reason string) string {
	h := blake3.New()
	io.WriteString(h, strings.TrimSpace(capability))
	io.WriteString(h, "|")
	io.WriteString(h, string(severity))
	io.WriteString(h, "|")
	io.WriteString(h, normalizeReason(reason))
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:8])
}

func normalizeReason(reason string) string {
	reason = strings.ToLower(strings.TrimSpace(reason))
	reason = strings.Join(strings.Fields(reason), " ")
	const maxLen = 160
	if len(reason) > maxLen {
		reason = reason[:maxLen]
	}
	return reason
}
