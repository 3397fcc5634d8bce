// Package hook implements staged extension points. Handlers are tapped onto a
// point with a name and a stage and run in ascending stage order; handlers on
// the same stage keep their registration order.
//
// Five calling disciplines are provided:
//
//	Waterfall      each handler receives the previous handler's result
//	Series         handlers run for side effects; the input passes through
//	Parallel       handlers run concurrently; the caller waits for all
//	Bail           synchronous; the first handler that claims the call wins
//	BailOrDefault  like Bail, but a built-in last handler fails with NoHandlerError
package hook

import (
	"context"
	"math"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/wudi/relay/internal/errors"
)

const (
	// DefaultStage is used when a tap does not specify a stage.
	DefaultStage = 0
	// LastStage is reserved for the rejecting handler of BailOrDefault.
	LastStage = math.MaxInt32
)

// TapInfo describes a registered handler.
type TapInfo struct {
	Name  string `json:"name"`
	Stage int    `json:"stage"`
}

// TapOption configures a tap.
type TapOption func(*TapInfo)

// WithStage sets the stage of a tap.
func WithStage(stage int) TapOption {
	return func(t *TapInfo) {
		t.Stage = stage
	}
}

type tapped[F any] struct {
	info TapInfo
	fn   F
}

// registry keeps handlers sorted by stage. Taps normally happen during
// extension initialization, but the lock makes late taps safe.
type registry[F any] struct {
	mu    sync.RWMutex
	name  string
	items []tapped[F]
}

func (r *registry[F]) tap(name string, fn F, opts []TapOption) {
	info := TapInfo{Name: name, Stage: DefaultStage}
	for _, opt := range opts {
		opt(&info)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// insert after every handler with stage <= info.Stage
	i := sort.Search(len(r.items), func(i int) bool {
		return r.items[i].info.Stage > info.Stage
	})
	// copy on write so snapshots taken by running calls stay valid
	items := make([]tapped[F], 0, len(r.items)+1)
	items = append(items, r.items[:i]...)
	items = append(items, tapped[F]{info: info, fn: fn})
	items = append(items, r.items[i:]...)
	r.items = items
}

func (r *registry[F]) snapshot() []tapped[F] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.items
}

func (r *registry[F]) taps() []TapInfo {
	items := r.snapshot()
	out := make([]TapInfo, len(items))
	for i, it := range items {
		out[i] = it.info
	}
	return out
}

// Name returns the hook point name.
func (r *registry[F]) Name() string {
	return r.name
}

// Taps lists the registered handlers in call order.
func (r *registry[F]) Taps() []TapInfo {
	return r.taps()
}

// WaterfallFunc transforms a value.
type WaterfallFunc[T any] func(ctx context.Context, v T) (T, error)

// Waterfall threads a value through every handler.
type Waterfall[T any] struct {
	registry[WaterfallFunc[T]]
}

// NewWaterfall creates a waterfall point.
func NewWaterfall[T any](name string) *Waterfall[T] {
	return &Waterfall[T]{registry[WaterfallFunc[T]]{name: name}}
}

// Tap registers a handler.
func (h *Waterfall[T]) Tap(name string, fn WaterfallFunc[T], opts ...TapOption) {
	h.tap(name, fn, opts)
}

// Call runs all handlers in order. The first error aborts the chain.
func (h *Waterfall[T]) Call(ctx context.Context, v T) (T, error) {
	for _, it := range h.snapshot() {
		next, err := it.fn(ctx, v)
		if err != nil {
			return v, err
		}
		v = next
	}
	return v, nil
}

// SeriesFunc observes a value.
type SeriesFunc[T any] func(ctx context.Context, v T) error

// Series runs handlers one after another for their side effects.
type Series[T any] struct {
	registry[SeriesFunc[T]]
}

// NewSeries creates a series point.
func NewSeries[T any](name string) *Series[T] {
	return &Series[T]{registry[SeriesFunc[T]]{name: name}}
}

// Tap registers a handler.
func (h *Series[T]) Tap(name string, fn SeriesFunc[T], opts ...TapOption) {
	h.tap(name, fn, opts)
}

// Call runs all handlers in order. The first error aborts the chain.
func (h *Series[T]) Call(ctx context.Context, v T) error {
	for _, it := range h.snapshot() {
		if err := it.fn(ctx, v); err != nil {
			return err
		}
	}
	return nil
}

// Parallel runs handlers concurrently.
type Parallel[T any] struct {
	registry[SeriesFunc[T]]
}

// NewParallel creates a parallel point.
func NewParallel[T any](name string) *Parallel[T] {
	return &Parallel[T]{registry[SeriesFunc[T]]{name: name}}
}

// Tap registers a handler. Stages only affect start order.
func (h *Parallel[T]) Tap(name string, fn SeriesFunc[T], opts ...TapOption) {
	h.tap(name, fn, opts)
}

// Call starts every handler and waits for all of them. The first error is
// returned and cancels the context passed to the others.
func (h *Parallel[T]) Call(ctx context.Context, v T) error {
	items := h.snapshot()
	if len(items) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, it := range items {
		fn := it.fn
		g.Go(func() error {
			return fn(gctx, v)
		})
	}
	return g.Wait()
}

// BailFunc may claim a call by returning ok.
type BailFunc[T, R any] func(v T) (R, bool)

// Bail asks handlers in order until one claims the call. Handlers must not block.
type Bail[T, R any] struct {
	registry[BailFunc[T, R]]
}

// NewBail creates a synchronous bail point.
func NewBail[T, R any](name string) *Bail[T, R] {
	return &Bail[T, R]{registry[BailFunc[T, R]]{name: name}}
}

// Tap registers a handler.
func (h *Bail[T, R]) Tap(name string, fn BailFunc[T, R], opts ...TapOption) {
	h.tap(name, fn, opts)
}

// Call returns the first claimed result.
func (h *Bail[T, R]) Call(v T) (R, bool) {
	for _, it := range h.snapshot() {
		if r, ok := it.fn(v); ok {
			return r, true
		}
	}
	var zero R
	return zero, false
}

// BailOrDefaultFunc may claim a call by returning ok.
type BailOrDefaultFunc[T, R any] func(ctx context.Context, v T) (R, bool, error)

// BailOrDefault is a bail point whose last handler rejects with NoHandlerError.
type BailOrDefault[T, R any] struct {
	registry[BailOrDefaultFunc[T, R]]
}

const rejectTap = "noHandler"

// NewBailOrDefault creates a bail point with the rejecting default handler.
func NewBailOrDefault[T, R any](name string) *BailOrDefault[T, R] {
	h := &BailOrDefault[T, R]{registry[BailOrDefaultFunc[T, R]]{name: name}}
	h.tap(rejectTap, func(context.Context, T) (R, bool, error) {
		var zero R
		return zero, false, &errors.NoHandlerError{Hook: name}
	}, []TapOption{WithStage(LastStage)})
	return h
}

// Tap registers a handler.
func (h *BailOrDefault[T, R]) Tap(name string, fn BailOrDefaultFunc[T, R], opts ...TapOption) {
	h.tap(name, fn, opts)
}

// HasHandlers reports whether any handler besides the default is tapped.
func (h *BailOrDefault[T, R]) HasHandlers() bool {
	return len(h.snapshot()) > 1
}

// Call returns the first claimed result.
func (h *BailOrDefault[T, R]) Call(ctx context.Context, v T) (R, error) {
	var zero R
	for _, it := range h.snapshot() {
		r, ok, err := it.fn(ctx, v)
		if err != nil {
			return zero, err
		}
		if ok {
			return r, nil
		}
	}
	return zero, &errors.NoHandlerError{Hook: h.name}
}
