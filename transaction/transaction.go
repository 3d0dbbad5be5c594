// Package transaction provides a scope-based wrapper over a Producer or
// Consumer so callers get commit-on-normal-exit, abort-on-error, and
// release-on-iterator-exit without hand-rolling defer/recover bookkeeping
// at every call site (spec.md §9's translation note: the original's
// construct-to-acquire/destructor-releases guard, reimplemented as a Go
// defer-based guard instead of a C++ destructor).
//
// Grounded on
// original_source/cpp/src/include/utils/in_process_spin_state.hpp's
// InProcessSpinStateGuard (move-only, construct-acquires, destructor
// releases, no double-release).
package transaction

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/Qing-LAB/pylabhub-sub000"
)

// ErrChannelClosed is yielded by a Slots iterator once the segment has
// observed a ChannelClosing notification — the in-flight slot (if any) is
// still allowed to complete; only the *next* step after observing closure
// stops the sequence (spec.md §9 decision recorded in DESIGN.md).
var ErrChannelClosed = errors.New("transaction: channel is closing")

// WriteTx is a single write transaction: the caller fills Data, then either
// lets the transaction fall out of scope normally (commit) or calls Abort
// or returns an error from the body passed to WithWriteTransaction (abort).
type WriteTx struct {
	handle pylabhub.WriteHandle
	length int
	abort  bool
}

// SetLength records how many bytes of Data were actually written, the
// range Commit/UpdateChecksum must hash and the consumer must read.
func (tx *WriteTx) SetLength(n int) { tx.length = n }

// Data exposes the writable payload buffer.
func (tx *WriteTx) Data() []byte { return tx.handle.Data }

// Abort marks the transaction to abort instead of commit, without waiting
// for the body to return an error.
func (tx *WriteTx) Abort() { tx.abort = true }

// WithWriteTransaction acquires a write slot on p, runs body, and commits
// on a nil return / no explicit Abort() call, or aborts otherwise — the
// abort-on-error half of spec.md §9's guard semantics. A panic inside body
// aborts the slot before repropagating.
func WithWriteTransaction(ctx context.Context, p *pylabhub.Producer, timeout time.Duration, body func(tx *WriteTx) error) (err error) {
	h, err := p.AcquireWrite(timeout)
	if err != nil {
		return err
	}
	tx := &WriteTx{handle: h}

	defer func() {
		if r := recover(); r != nil {
			_ = p.Abort(h)
			panic(r)
		}
		if err != nil || tx.abort {
			if abortErr := p.Abort(h); abortErr != nil && err == nil {
				err = abortErr
			}
			return
		}
		err = p.Commit(h, tx.length)
	}()

	if err = ctx.Err(); err != nil {
		return err
	}
	err = body(tx)
	return err
}

// Slots returns a lazy sequence of read transactions against c, one per
// AcquireRead/Release cycle, stopping when ctx is cancelled or closing
// reports true. Breaking out of a range over this sequence early still
// releases the in-flight slot (range-over-func guarantees the iterator's
// cleanup runs on early return, matching the "release-on-normal-reader-
// exit" rule).
func Slots(ctx context.Context, c *pylabhub.Consumer, perSlotTimeout time.Duration, closing func() bool) iter.Seq2[pylabhub.ReadHandle, error] {
	return func(yield func(pylabhub.ReadHandle, error) bool) {
		for {
			if ctx.Err() != nil {
				return
			}
			if closing != nil && closing() {
				yield(pylabhub.ReadHandle{}, ErrChannelClosed)
				return
			}
			h, err := c.AcquireRead(perSlotTimeout)
			if err != nil {
				if !yield(pylabhub.ReadHandle{}, err) {
					return
				}
				continue
			}
			cont := yield(h, nil)
			c.Release(h)
			if !cont {
				return
			}
		}
	}
}
