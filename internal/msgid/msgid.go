// Package msgid derives canonical message IDs from platform-native IDs.
//
// An ID is a name-based (SHA-1, version 5) UUID over a fixed per-platform
// namespace, so the same native event always maps to the same canonical ID no
// matter how often or by which path it is observed.
package msgid

import (
	"strings"

	"github.com/google/uuid"
)

// Namespaces. These values are part of the wire contract: changing one
// changes every ID the platform has ever produced.
var (
	Kick    = uuid.MustParse("6efe7271-da25-4ac5-9cc3-462ab6c1c8b4")
	Rumble  = uuid.MustParse("5ceefcfb-4aa5-443a-bea6-1f8590231471")
	Odysee  = uuid.MustParse("d80f03bf-d30a-48e9-9e9f-81616366eefd")
	YouTube = uuid.MustParse("2a6d1c5e-93b4-4f07-b8d2-5e1f0c7a9b36")
	Twitch  = uuid.MustParse("7ab94c43-0d45-4a8f-8e1a-7a1f1b8bd0c5")
	X       = uuid.MustParse("b7f6a0f1-5b0e-4f42-9a1e-6c0b1d1e2f9a")
	VK      = uuid.MustParse("3c2a4e87-2b7d-4c1f-8f2e-0b6a9d3c5e11")
	XMRChat = uuid.MustParse("f2d5b7c4-8e1a-4d3b-9c6f-2a7e1b0d4c88")
)

// New maps a native ID into ns.
func New(ns uuid.UUID, nativeID string) uuid.UUID {
	return uuid.NewSHA1(ns, []byte(nativeID))
}

// Synthesize builds a reproducible ID for platforms that supply no native
// per-event ID. Parts are escaped and joined so that ("a|b", "c") and
// ("a", "b|c") produce different keys. Two events whose parts are all equal
// collide; callers pick parts so that such events are indistinguishable anyway.
func Synthesize(ns uuid.UUID, parts ...string) uuid.UUID {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		p = strings.ReplaceAll(p, `\`, `\\`)
		escaped[i] = strings.ReplaceAll(p, "|", `\|`)
	}
	return New(ns, strings.Join(escaped, "|"))
}
