package sendfs

import (
	"errors"
	"testing"

	"github.com/function61/gokit/assert"
	"github.com/function61/zsendfs/pkg/sendstream"
)

func TestRemovedSessionHoldsSlotUntilReleased(t *testing.T) {
	reg := newSessionRegistry(1)

	_, err := reg.reserve()
	assert.Ok(t, err)
	handle := reg.insert(&sendstream.Session{})

	_, releaseSlot, err := reg.remove(handle)
	assert.Ok(t, err)
	assert.Assert(t, reg.count() == 0)

	// process of the removed session may still be terminating
	_, err = reg.reserve()
	assert.Assert(t, errors.Is(err, ErrTooManySessions))

	releaseSlot()

	_, err = reg.reserve()
	assert.Ok(t, err)
}

func TestRemoveUnknownHandle(t *testing.T) {
	reg := newSessionRegistry(1)

	_, _, err := reg.remove(42)
	assert.Assert(t, errors.Is(err, ErrInvalidHandle))

	// failed remove must not free a slot it never held
	_, err = reg.reserve()
	assert.Ok(t, err)
	_, err = reg.reserve()
	assert.Assert(t, errors.Is(err, ErrTooManySessions))
}

func TestUnlimitedRegistry(t *testing.T) {
	reg := newSessionRegistry(0)

	for i := 0; i < 100; i++ {
		_, err := reg.reserve()
		assert.Ok(t, err)
		reg.insert(&sendstream.Session{})
	}

	assert.Assert(t, len(reg.removeAll()) == 100)
	assert.Assert(t, reg.count() == 0)
}
