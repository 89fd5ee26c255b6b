package percpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/exp/rand"
)

func TestHeaderPack(t *testing.T) {
	t.Run("roundtrip", func(t *testing.T) {
		for i := 0; i < 1e6; i++ {
			h := header{
				current: uint16(rand.Uint32()),
				endCopy: uint16(rand.Uint32()),
				begin:   uint16(rand.Uint32()),
				end:     uint16(rand.Uint32()),
			}
			if unpackHeader(h.pack()) != h {
				t.Fatalf("%+v != %+v", unpackHeader(h.pack()), h)
			}
		}
	})

	t.Run("locked", func(t *testing.T) {
		assert := assert.New(t)
		h := header{begin: lockedBegin, end: 0}
		assert.True(h.isLocked())
		assert.False(header{begin: 0xfffe}.isLocked())
	})
}

func TestHeaderHalfStores(t *testing.T) {
	assert := assert.New(t)

	word := header{current: 7, endCopy: 9, begin: 5, end: 9}.pack()

	// The lock write must leave the current/endCopy half intact.
	lockHeader(&word)
	h := loadHeader(&word)
	assert.True(h.isLocked())
	assert.Equal(uint16(7), h.current)
	assert.Equal(uint16(9), h.endCopy)
	assert.Equal(uint16(lockedBegin), h.begin)
	assert.Equal(uint16(0), h.end)

	// And the current write must leave the begin/end half intact.
	storeCurrentHalf(&word, 5, 5)
	h = loadHeader(&word)
	assert.Equal(uint16(5), h.current)
	assert.Equal(uint16(5), h.endCopy)
	assert.True(h.isLocked())
}
