package realtime

import (
	"math/rand"
	"sync"
)

// Push ids are 20 characters: 8 encoding the millisecond timestamp, 12
// random. The alphabet is ASCII-ordered so ids sort lexicographically by
// creation time. Ids minted in the same millisecond reuse the previous
// random suffix incremented by one, keeping them ordered and unique.
const pushChars = "-0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ_abcdefghijklmnopqrstuvwxyz"

type pushIDGenerator struct {
	mu       sync.Mutex
	lastTime int64
	lastRand [12]int
}

var pushGen pushIDGenerator

func (g *pushIDGenerator) next(nowMillis int64) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	duplicate := nowMillis == g.lastTime
	g.lastTime = nowMillis

	var id [20]byte
	for i := 7; i >= 0; i-- {
		id[i] = pushChars[nowMillis%64]
		nowMillis /= 64
	}

	if duplicate {
		for i := 11; i >= 0; i-- {
			if g.lastRand[i] != 63 {
				g.lastRand[i]++
				break
			}
			g.lastRand[i] = 0
		}
	} else {
		for i := range g.lastRand {
			g.lastRand[i] = rand.Intn(64)
		}
	}
	for i, r := range g.lastRand {
		id[8+i] = pushChars[r]
	}
	return string(id[:])
}

// newPushID mints a push id for the given wall-clock millisecond.
func newPushID(nowMillis int64) string {
	return pushGen.next(nowMillis)
}
