package pool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocOneExhaustion(t *testing.T) {
	p := New(64, 2)

	b1, err := p.AllocOne()
	require.NoError(t, err)
	b2, err := p.AllocOne()
	require.NoError(t, err)

	_, err = p.AllocOne()
	require.ErrorIs(t, err, ErrPoolExhausted)

	p.FreeOne(b1)
	p.FreeOne(b2)
	require.Equal(t, 2, p.Available())
}

func TestAllocListAllOrNothing(t *testing.T) {
	p := New(64, 3)

	_, err := p.AllocList(4)
	require.ErrorIs(t, err, ErrPoolExhausted)
	require.Equal(t, 3, p.Available(), "a failed AllocList must not leak any blocks it had already taken")

	head, err := p.AllocList(3)
	require.NoError(t, err)
	require.Equal(t, 0, p.Available())

	p.FreeList(head)
	require.Equal(t, 3, p.Available())
}

func TestStoreAndCollectRoundTrip(t *testing.T) {
	p := New(4, 10)

	payload := []byte("a message body spanning several blocks")
	head, err := p.Store(payload)
	require.NoError(t, err)

	require.Equal(t, payload, Collect(head))
	require.Equal(t, len(payload), Len(head))

	p.FreeList(head)
	require.Equal(t, 10, p.Available())
}

func TestExactRemainingCapacitySucceedsOneMoreFails(t *testing.T) {
	p := New(1, 5)

	head, err := p.AllocList(5)
	require.NoError(t, err)
	require.Equal(t, 0, p.Available())

	_, err = p.AllocOne()
	require.ErrorIs(t, err, ErrPoolExhausted)

	p.FreeList(head)
}
