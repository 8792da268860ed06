package sandbox

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	// maxDNSLabel is the longest single DNS label (RFC 1035).
	maxDNSLabel = 63
	// maxPGIdent is Postgres' NAMEDATALEN - 1.
	maxPGIdent = 63
	// hashSuffixLen is how many hex characters of sha256(id) disambiguate an
	// altered slug.
	hashSuffixLen = 8
)

// Naming derives container names, hostnames and database names from a
// session id. Two distinct ids never map to the same name: whenever the slug
// is not an exact rendition of the id, a hash of the raw id is appended.
type Naming struct {
	Prefix string // e.g. "sandboxd"
	Domain string // routed hostname suffix, e.g. "sandbox.example.com"
}

// ContainerName returns "<prefix>-<slug>".
func (n Naming) ContainerName(sessionID string) string {
	prefix := slugify(n.Prefix, '-', maxDNSLabel)
	return prefix + "-" + slugify(sessionID, '-', maxDNSLabel-len(prefix)-1)
}

// Hostname returns "<slug>.<domain>" where the slug is a valid DNS label.
func (n Naming) Hostname(sessionID string) string {
	label := slugify(sessionID, '-', maxDNSLabel)
	if n.Domain == "" {
		return label
	}
	return label + "." + strings.TrimPrefix(n.Domain, ".")
}

// DatabaseName returns "<prefix>_<ident>", a valid unquoted Postgres identifier.
func (n Naming) DatabaseName(sessionID string) string {
	prefix := slugify(n.Prefix, '_', maxPGIdent)
	if prefix == "" || (prefix[0] >= '0' && prefix[0] <= '9') {
		prefix = "db_" + prefix
	}
	return prefix + "_" + slugify(sessionID, '_', maxPGIdent-len(prefix)-1)
}

// slugify lowercases s and maps every character outside [a-z0-9] and sep to
// sep. The result is at most maxLen bytes. If anything was changed, a short
// hash of the original is appended so the mapping stays injective.
func slugify(s string, sep byte, maxLen int) string {
	var b strings.Builder
	altered := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == sep:
			b.WriteByte(c)
		case c >= 'A' && c <= 'Z':
			b.WriteByte(c + ('a' - 'A'))
			altered = true
		default:
			b.WriteByte(sep)
			altered = true
		}
	}

	slug := strings.Trim(b.String(), string(sep))
	if len(slug) != b.Len() || slug == "" {
		altered = true
	}
	if !altered && len(slug) <= maxLen {
		return slug
	}

	sum := sha256.Sum256([]byte(s))
	suffix := hex.EncodeToString(sum[:])[:hashSuffixLen]
	keep := maxLen - hashSuffixLen - 1
	if keep < 0 {
		keep = 0
	}
	if len(slug) > keep {
		slug = strings.TrimRight(slug[:keep], string(sep))
	}
	if slug == "" {
		return suffix
	}
	return slug + string(sep) + suffix
}
