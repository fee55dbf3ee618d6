// Package id generates opaque random identifiers used for queue item-ids
// and per-request log correlation.
package id

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Generate returns a 24-character nanoid using an alphanumeric alphabet.
// Used for queue item-ids and AuthedClient request-correlation ids — short
// enough to log comfortably, long enough that collisions are not a concern
// at the "a few hundred" queue scale this package is built for.
func Generate() string {
	s, err := gonanoid.Generate(alphabet, 24)
	if err != nil {
		panic(fmt.Sprintf("generate nanoid: %v", err))
	}
	return s
}
