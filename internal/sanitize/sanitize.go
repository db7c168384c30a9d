// Package sanitize normalizes raw tool and capability names coming from
// upstream servers into the identifier grammar MagicTunnel exposes to the
// client-facing protocol, and resolves collisions between names sourced
// from different servers.
package sanitize

import (
	"crypto/rand"
	"math/big"
	"strings"
	"time"
)

// UnnamedCapability is substituted when sanitizing a capability name
// yields no content.
const UnnamedCapability = "unnamed-capability"

// UnnamedTool is substituted when sanitizing a tool name yields no
// content.
const UnnamedTool = "unnamed_tool"

func isAllowed(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_'
}

// stripInvalid drops every rune outside [a-zA-Z0-9-_].
func stripInvalid(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if isAllowed(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// collapseSeparators reduces runs of consecutive '-' to one '-' and runs
// of consecutive '_' to one '_', leaving mixed "-_-" runs alone (matching
// the original sanitizer, which collapses each separator independently).
func collapseSeparators(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	var last rune
	for i, r := range s {
		if i > 0 && (r == '-' || r == '_') && r == last {
			continue
		}
		b.WriteRune(r)
		last = r
	}
	return b.String()
}

func sanitize(raw, spaceReplacement, fallback string) string {
	name := strings.ToLower(raw)
	name = strings.ReplaceAll(name, " ", spaceReplacement)
	name = stripInvalid(name)
	name = collapseSeparators(name)
	name = strings.Trim(name, "-_")

	if name == "" {
		return fallback
	}
	return name
}

// SanitizeCapabilityName normalizes raw into the capability-name grammar:
// lowercase, spaces become dashes, anything outside [a-z0-9-_] is
// dropped, runs of separators collapse to one, leading and trailing
// separators are trimmed. An empty result becomes UnnamedCapability.
func SanitizeCapabilityName(raw string) string {
	return sanitize(raw, "-", UnnamedCapability)
}

// SanitizeToolName normalizes raw into the tool-name grammar: identical
// to SanitizeCapabilityName except spaces become underscores and the
// empty-result fallback is UnnamedTool.
func SanitizeToolName(raw string) string {
	return sanitize(raw, "_", UnnamedTool)
}

// EnsureUnique returns candidate unchanged if it is absent from existing.
// Otherwise it appends "-####" with a fresh 4-digit CSPRNG draw, retrying
// up to 100 times, and finally falls back to an epoch-seconds suffix if
// every draw collides.
func EnsureUnique(candidate string, existing map[string]bool) string {
	if !existing[candidate] {
		return candidate
	}

	for i := 0; i < 100; i++ {
		draw, err := rand.Int(rand.Reader, big.NewInt(9000))
		if err != nil {
			break
		}
		unique := candidate + "-" + big.NewInt(1000+draw.Int64()).String()
		if !existing[unique] {
			return unique
		}
	}

	return candidate + "-" + big.NewInt(time.Now().Unix()).String()
}
