package sync

import (
	"context"
	"fmt"
	"iter"

	"github.com/wesm/jira-mirror/internal/api"
)

// DefaultPageSize is the maxResults used when a pager is configured without one
const DefaultPageSize = 50

// Page is one batch of raw records plus the cursor for the next batch
type Page[R any] struct {
	Items []R
	Next  int
	Done  bool
}

// Pager fetches pages of raw records starting at a cursor
type Pager[R any] interface {
	FetchPage(ctx context.Context, cursor int) (Page[R], error)
}

// OffsetPager pages a startAt/maxResults collection. A short page ends the sequence.
type OffsetPager[R any] struct {
	PageSize int
	Fetch    func(ctx context.Context, startAt, maxResults int) ([]R, error)
}

// FetchPage implements Pager
func (p OffsetPager[R]) FetchPage(ctx context.Context, cursor int) (Page[R], error) {
	size := p.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}

	items, err := p.Fetch(ctx, cursor, size)
	if err != nil {
		return Page[R]{}, err
	}
	return Page[R]{
		Items: items,
		Next:  cursor + len(items),
		Done:  len(items) < size,
	}, nil
}

// SinglePager fetches a complete collection in one call
type SinglePager[R any] struct {
	Fetch func(ctx context.Context) ([]R, error)
}

// FetchPage implements Pager
func (p SinglePager[R]) FetchPage(ctx context.Context, _ int) (Page[R], error) {
	items, err := p.Fetch(ctx)
	if err != nil {
		return Page[R]{}, err
	}
	return Page[R]{Items: items, Done: true}, nil
}

// Paginate turns a pager into a lazy sequence. Every call starts from the first
// page. The first error is yielded once and ends the sequence.
func Paginate[R any](ctx context.Context, p Pager[R]) iter.Seq2[R, error] {
	return func(yield func(R, error) bool) {
		cursor := 0
		for {
			page, err := p.FetchPage(ctx, cursor)
			if err != nil {
				var zero R
				yield(zero, err)
				return
			}
			for _, item := range page.Items {
				if !yield(item, nil) {
					return
				}
			}
			if page.Done || page.Next <= cursor {
				return
			}
			cursor = page.Next
		}
	}
}

// Scoped is a raw record fetched on behalf of a parent entity
type Scoped[R any] struct {
	Parent string
	Item   R
}

// ForEachKey runs one pager per parent key. A failing parent is yielded as a
// *ScopeError and the walk continues with the next key; unauthorized responses
// and context cancellation end the sequence. When every parent failed the
// sequence ends with a plain error, since nothing of the entity type was read.
func ForEachKey[R any](ctx context.Context, keys []string, pagerFor func(key string) Pager[R]) iter.Seq2[Scoped[R], error] {
	return func(yield func(Scoped[R], error) bool) {
		var failed int
		var last *ScopeError

		for _, key := range keys {
			if err := ctx.Err(); err != nil {
				yield(Scoped[R]{}, err)
				return
			}

			for item, err := range Paginate(ctx, pagerFor(key)) {
				if err != nil {
					if api.IsUnauthorized(err) || ctx.Err() != nil {
						yield(Scoped[R]{Parent: key}, err)
						return
					}
					failed++
					last = &ScopeError{Parent: key, Err: err}
					if !yield(Scoped[R]{Parent: key}, last) {
						return
					}
					break
				}
				if !yield(Scoped[R]{Parent: key, Item: item}, nil) {
					return
				}
			}
		}

		if len(keys) > 0 && failed == len(keys) {
			yield(Scoped[R]{}, fmt.Errorf("all %d parents failed, last %s: %w", failed, last.Parent, last.Err))
		}
	}
}
