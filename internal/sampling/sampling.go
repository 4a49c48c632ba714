// Package sampling decides which users' events are recorded.
//
// Decisions are deterministic: the same key and rate always give the same
// answer, in every context and every process, so a user is either fully in
// or fully out of a sampled population.
package sampling

import (
	"encoding/binary"

	"github.com/zeebo/blake3"
)

// domainKey separates sampling scores from any other use of the hash.
var domainKey = [32]byte{
	't', 'r', 'a', 'c', 'e', 'l', 'o', 'g', '.', 's', 'a', 'm', 'p', 'l', 'e', '.',
	's', 'c', 'o', 'r', 'e', '.', 'v', '1',
}

// Score maps key to a uniform value in [0, 1).
func Score(key string) float64 {
	hasher, err := blake3.NewKeyed(domainKey[:])
	if err != nil {
		panic("sampling: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write([]byte(key))
	sum := hasher.Sum(nil)
	// Keep 53 bits so the quotient is exactly representable.
	return float64(binary.BigEndian.Uint64(sum[:8])>>11) / (1 << 53)
}

// Admit reports whether key falls inside a population of size rate.
// A rate at or below 0 rejects and at or above 1 accepts without hashing.
func Admit(key string, rate float64) bool {
	switch {
	case rate <= 0:
		return false
	case rate >= 1:
		return true
	}
	return Score(key) < rate
}

// Oracle holds the configured sampling rates for one user.
type Oracle struct {
	// Rate applies to every event not covered by a channel rate.
	Rate float64
	// Channels override Rate for named channels (for example "errors").
	// Channel decisions hash a separate key so they are independent of
	// the base decision.
	Channels map[string]float64
}

// NewOracle creates an oracle with base rate and no channel overrides.
func NewOracle(rate float64) *Oracle {
	return &Oracle{Rate: rate, Channels: make(map[string]float64)}
}

// Admit decides the base population for userID.
func (o *Oracle) Admit(userID string) bool {
	return Admit(userID, o.Rate)
}

// AdmitChannel decides for a named channel. An empty channel, or one with
// no configured rate, falls back to the base decision.
func (o *Oracle) AdmitChannel(userID, channel string) bool {
	rate, ok := o.Channels[channel]
	if channel == "" || !ok {
		return o.Admit(userID)
	}
	return Admit(userID+"\x00"+channel, rate)
}
