package devices

import "strings"

// legacyPrefixes are platform markers older builds prepended to device ids.
var legacyPrefixes = []string{"macos-", "android-", "ios-", "windows-", "linux-"}

// NormalizeID canonicalizes a device id: legacy platform prefixes are
// stripped and the remainder is lowercased so UUID comparison is
// case-insensitive. Stored ids are always prefix-free.
func NormalizeID(id string) string {
	id = strings.TrimSpace(id)
	lower := strings.ToLower(id)
	for _, prefix := range legacyPrefixes {
		if strings.HasPrefix(lower, prefix) {
			lower = lower[len(prefix):]
			break
		}
	}
	return lower
}
