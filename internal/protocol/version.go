package protocol

import (
	"strconv"
	"strings"
)

// LocalVersion is the protocol version this node speaks.
const LocalVersion = "1.1"

// IsMaybeSupportedVersion reports whether a remote peer speaking remote may
// be able to talk to this node. Only the major version is inspected, and a
// newer remote is always accepted: it is up to the newer side to reject an
// older peer it can no longer serve.
func IsMaybeSupportedVersion(remote string) bool {
	return isMaybeSupported(remote, LocalVersion)
}

func isMaybeSupported(remote, local string) bool {
	remoteMajor, ok := parseMajor(remote)
	if !ok {
		return false
	}
	localMajor, ok := parseMajor(local)
	if !ok {
		return false
	}
	return remoteMajor >= localMajor
}

// parseMajor extracts the major component of a "major.minor" string.
func parseMajor(version string) (int, bool) {
	major, minor, found := strings.Cut(version, ".")
	if !found {
		return 0, false
	}
	m, err := strconv.Atoi(major)
	if err != nil || m < 0 {
		return 0, false
	}
	if _, err := strconv.Atoi(minor); err != nil {
		return 0, false
	}
	return m, true
}
