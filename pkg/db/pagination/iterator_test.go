package pagination

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func numberPages(total int) (PageFetcher[int], *int) {
	calls := 0
	return func(ctx context.Context, token string, size int) ([]int, string, error) {
		calls++
		start := 0
		if token != "" {
			parsed, err := strconv.Atoi(token)
			if err != nil {
				return nil, "", err
			}
			start = parsed
		}
		end := start + size
		if end > total {
			end = total
		}
		items := make([]int, 0, end-start)
		for i := start; i < end; i++ {
			items = append(items, i)
		}
		next := ""
		if end < total {
			next = strconv.Itoa(end)
		}
		return items, next, nil
	}, &calls
}

func TestIteratorWalksAllPagesLazily(t *testing.T) {
	fetch, calls := numberPages(7)
	it := NewIterator(fetch, 3, "")

	assert.Equal(t, 0, *calls)

	var got []int
	for it.Next(context.Background()) {
		got = append(got, it.Item())
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6}, got)
	assert.Equal(t, 3, *calls)
	assert.False(t, it.Next(context.Background()))
}

func TestIteratorResumesFromToken(t *testing.T) {
	fetch, _ := numberPages(6)
	it := NewIterator(fetch, 2, "")

	require.True(t, it.Next(context.Background()))
	require.True(t, it.Next(context.Background()))
	token := it.Token()
	assert.Equal(t, "2", token)

	resumed := NewIterator(fetch, 2, token)
	var got []int
	for resumed.Next(context.Background()) {
		got = append(got, resumed.Item())
	}
	require.NoError(t, resumed.Err())
	assert.Equal(t, []int{2, 3, 4, 5}, got)
}

func TestIteratorPartialPageTokenReplaysPage(t *testing.T) {
	fetch, _ := numberPages(6)
	it := NewIterator(fetch, 4, "")

	require.True(t, it.Next(context.Background()))
	assert.Equal(t, "", it.Token())
}

func TestIteratorStopsOnError(t *testing.T) {
	boom := errors.New("boom")
	it := NewIterator(func(ctx context.Context, token string, size int) ([]string, string, error) {
		return nil, "", boom
	}, 10, "")

	assert.False(t, it.Next(context.Background()))
	assert.ErrorIs(t, it.Err(), boom)
}

func TestIteratorHonoursCancelledContext(t *testing.T) {
	fetch, calls := numberPages(3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	it := NewIterator(fetch, 2, "")
	assert.False(t, it.Next(ctx))
	assert.ErrorIs(t, it.Err(), context.Canceled)
	assert.Equal(t, 0, *calls)
}

func TestCursorRoundTripAndInvalidToken(t *testing.T) {
	cursor, err := DecodeCursor("")
	require.NoError(t, err)
	assert.Nil(t, cursor)

	_, err = DecodeCursor("%%%")
	assert.ErrorIs(t, err, ErrInvalidPageToken)
}
