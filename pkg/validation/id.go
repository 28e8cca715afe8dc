package validation

import (
	"encoding/base64"
	"strings"

	"github.com/google/uuid"
)

// Message IDs are self-certifying: "<random token>@<author routing key>".
// The suffix is the base64url encoding of the author's public routing key,
// so an ID can be checked against its claimed author without the signature
// machinery.

// DeriveID returns a fresh message ID for the given author. The author is
// the base64url-encoded routing key as used everywhere else in the system.
func DeriveID(author string) (string, error) {
	return DeriveIDWithSeed(author, uuid.New())
}

// DeriveIDWithSeed is DeriveID with a caller-supplied random seed. Used by
// tests and by own-message creation where the seed is persisted.
func DeriveIDWithSeed(author string, seed uuid.UUID) (string, error) {
	if err := checkAuthor(author); err != nil {
		return "", err
	}
	return seed.String() + "@" + author, nil
}

// VerifyID fails unless id ends with the routing key of the given author.
// It rejects spoofed identifiers; signature verification is a separate
// concern handled by the fetcher.
func VerifyID(author, id string) error {
	if err := checkAuthor(author); err != nil {
		return err
	}
	if !strings.HasSuffix(id, "@"+author) {
		return errf("id", "%q does not end with routing key of author %q", id, author)
	}
	if len(id) <= len(author)+1 {
		return errf("id", "missing random token in %q", id)
	}
	return nil
}

// VerifyRoutingKey checks that key is a base64url routing key. Routing
// keys become store key segments, so the alphabet must exclude ':'.
func VerifyRoutingKey(key string) error {
	return checkRoutingKey("routing_key", key)
}

func checkAuthor(author string) error {
	return checkRoutingKey("author", author)
}

func checkRoutingKey(field, key string) error {
	if key == "" {
		return errf(field, "empty routing key")
	}
	if _, err := base64.RawURLEncoding.DecodeString(key); err != nil {
		return errf(field, "routing key is not base64url: %v", err)
	}
	return nil
}

// MessageIDFromURI extracts the message ID embedded in a content address.
// URIs carry the ID in the fragment: "chk://<content key>#<message id>".
func MessageIDFromURI(uri string) (string, error) {
	i := strings.LastIndexByte(uri, '#')
	if i < 0 || i == len(uri)-1 {
		return "", errf("uri", "no message id fragment in %q", uri)
	}
	return uri[i+1:], nil
}
