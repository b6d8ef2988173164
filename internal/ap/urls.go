package ap

import (
	"fmt"
	"net/url"
	"strings"
)

// LocalActorID returns the canonical ID for a local actor.
func LocalActorID(origin, username string) string {
	return strings.TrimRight(origin, "/") + "/users/" + username
}

// LocalObjectID returns the canonical ID for a local post.
func LocalObjectID(origin, uuid string) string {
	return strings.TrimRight(origin, "/") + "/objects/" + uuid
}

// InstanceActorID returns the ID of the synthetic instance actor.
func InstanceActorID(origin string) string {
	return strings.TrimRight(origin, "/") + "/actor"
}

// KeyID returns the key identifier for an actor ID.
func KeyID(actorID string) string {
	return actorID + "#main-key"
}

// ActorIDFromKeyID derives the signer's actor URL from a keyId by
// stripping any fragment and a trailing /main-key path segment.
func ActorIDFromKeyID(keyID string) string {
	id := keyID
	if i := strings.IndexByte(id, '#'); i >= 0 {
		id = id[:i]
	}
	id = strings.TrimSuffix(id, "/main-key")
	return id
}

// Hostname returns the host portion of an absolute URL, or "" if the
// URL cannot be parsed.
func Hostname(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// Origin returns the scheme://host[:port] prefix of a URL.
func Origin(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("not an absolute URL: %s", rawURL)
	}
	return u.Scheme + "://" + u.Host, nil
}

// IsLocalID reports whether the AP ID belongs to the given origin.
func IsLocalID(apID, origin string) bool {
	base := strings.TrimRight(origin, "/")
	return apID == base || strings.HasPrefix(apID, base+"/")
}

// IsActorID reports whether the ID looks like an AP actor URL.
func IsActorID(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
