package pagination

import "context"

// PageFetcher loads one page starting at pageToken. An empty next token
// marks the last page.
type PageFetcher[T any] func(ctx context.Context, pageToken string, pageSize int) ([]T, string, error)

// Iterator walks a paginated listing lazily, one page in memory at a time.
// It can be resumed in another process from Token().
type Iterator[T any] struct {
	fetch    PageFetcher[T]
	pageSize int

	pageToken string
	nextToken string
	buf       []T
	idx       int
	fetched   bool
	done      bool

	current T
	err     error
}

func NewIterator[T any](fetch PageFetcher[T], pageSize int, startToken string) *Iterator[T] {
	if pageSize <= 0 {
		pageSize = 50
	}
	return &Iterator[T]{
		fetch:     fetch,
		pageSize:  pageSize,
		pageToken: startToken,
	}
}

// Next advances to the next item, fetching another page when the buffer is
// drained. It returns false at the end or on error; check Err.
func (it *Iterator[T]) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	for it.idx >= len(it.buf) {
		if it.done {
			return false
		}
		if it.fetched {
			if it.nextToken == "" {
				it.done = true
				return false
			}
			it.pageToken = it.nextToken
		}
		if err := ctx.Err(); err != nil {
			it.err = err
			return false
		}

		items, next, err := it.fetch(ctx, it.pageToken, it.pageSize)
		if err != nil {
			it.err = err
			return false
		}
		it.fetched = true
		it.buf = items
		it.idx = 0
		it.nextToken = next
		if len(items) == 0 && next == "" {
			it.done = true
			return false
		}
	}

	it.current = it.buf[it.idx]
	it.idx++
	return true
}

func (it *Iterator[T]) Item() T {
	return it.current
}

func (it *Iterator[T]) Err() error {
	return it.err
}

// Token returns the page token to resume from. Items of a partially
// consumed page are yielded again on resume.
func (it *Iterator[T]) Token() string {
	if !it.fetched {
		return it.pageToken
	}
	if it.idx < len(it.buf) {
		return it.pageToken
	}
	return it.nextToken
}
