package models

import (
	"crypto/rand"
	"strings"

	"github.com/oklog/ulid/v2"
)

// NewID returns a prefixed, lexically time-ordered id such as
// "evt_01HV...". ulid.Make is monotonic within the process, so ids minted
// in the same millisecond still sort in creation order.
func NewID(prefix string) string {
	return prefix + "_" + ulid.Make().String()
}

// NewSecret returns a webhook signing secret with 256 bits of entropy.
func NewSecret() string {
	return "whsec_" + strings.ToLower(rand.Text()+rand.Text())
}
