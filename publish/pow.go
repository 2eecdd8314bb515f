package publish

import (
	"strconv"

	"github.com/nostr-dev-kit/ndk-go/nevent"
)

// minePoW searches for a nonce tag value that makes evt's canonical id carry
// at least difficulty leading zero bits, per NIP-13. It mutates evt's "nonce"
// tag in place (adding one if absent) and returns the new id digest once
// satisfied. id/sig must be recomputed by the caller after this succeeds; a
// plain SHA-256 leading-zero-bit search has no library in the corpus (none
// of the example repos ship a PoW miner), so this is built directly on
// crypto/sha256 via nevent.Event.ComputeIDBytes.
func minePoW(evt *nevent.Event, difficulty int, maxIterations int) ([32]byte, bool) {
	tagIdx := -1
	for i, tag := range evt.Tags {
		if tag.Name() == "nonce" {
			tagIdx = i
			break
		}
	}
	if tagIdx == -1 {
		evt.Tags = append(evt.Tags, nevent.Tag{"nonce", "0", strconv.Itoa(difficulty)})
		tagIdx = len(evt.Tags) - 1
	} else if len(evt.Tags[tagIdx]) < 3 {
		evt.Tags[tagIdx] = nevent.Tag{"nonce", evt.Tags[tagIdx].Value(), strconv.Itoa(difficulty)}
	} else {
		evt.Tags[tagIdx][2] = strconv.Itoa(difficulty)
	}

	for n := 0; n < maxIterations; n++ {
		evt.Tags[tagIdx][1] = strconv.Itoa(n)
		digest, err := evt.ComputeIDBytes()
		if err != nil {
			return [32]byte{}, false
		}
		if leadingZeroBits(digest[:]) >= difficulty {
			return digest, true
		}
	}
	return [32]byte{}, false
}

// leadingZeroBits counts the number of leading zero bits in data.
func leadingZeroBits(data []byte) int {
	count := 0
	for _, b := range data {
		if b == 0 {
			count += 8
			continue
		}
		for bit := 7; bit >= 0; bit-- {
			if b&(1<<bit) != 0 {
				return count
			}
			count++
		}
	}
	return count
}
