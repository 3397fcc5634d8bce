package app

import (
	"context"
	"fmt"
	"reflect"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/wudi/relay/config"
)

// Extension is a unit of proxy behavior. Init registers its handlers on the
// app's hook points. Each concrete type is initialized at most once per app.
type Extension interface {
	Name() string
	Init(ctx context.Context, a *App) error
}

// Dependent is implemented by extensions that need others initialized first.
type Dependent interface {
	Dependencies() []Extension
}

// FlagBinder is implemented by extensions that contribute command line flags.
// Flags must write into cfg when set.
type FlagBinder interface {
	BindFlags(fs *pflag.FlagSet, cfg *config.Config)
}

// ErrDependencyCycle is returned when extensions depend on each other.
type ErrDependencyCycle struct {
	Name string
}

func (e *ErrDependencyCycle) Error() string {
	return fmt.Sprintf("extension %s depends on itself", e.Name)
}

// Use queues extensions to be initialized on Start. Queuing a type twice is
// a no-op.
func (a *App) Use(exts ...Extension) *App {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, ext := range exts {
		typ := reflect.TypeOf(ext)
		if a.queued[typ] {
			continue
		}
		a.queued[typ] = true
		a.uses = append(a.uses, ext)

		ext := ext
		a.OnInitExtensions.Tap("App", func(ctx context.Context, a *App) error {
			_, err := a.Register(ctx, ext)
			return err
		})
	}
	return a
}

// Register initializes ext and its dependencies now. When an extension of the
// same type is already initialized, that instance is returned and ext is
// discarded.
func (a *App) Register(ctx context.Context, ext Extension) (Extension, error) {
	typ := reflect.TypeOf(ext)

	a.mu.Lock()
	if existing, ok := a.extensions[typ]; ok {
		a.mu.Unlock()
		return existing, nil
	}
	if a.initializing[typ] {
		a.mu.Unlock()
		return nil, &ErrDependencyCycle{Name: ext.Name()}
	}
	a.initializing[typ] = true
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.initializing, typ)
		a.mu.Unlock()
	}()

	if d, ok := ext.(Dependent); ok {
		for _, dep := range d.Dependencies() {
			if _, err := a.Register(ctx, dep); err != nil {
				return nil, err
			}
		}
	}

	a.Logger.Debug("Initializing extension", zap.String("extension", ext.Name()))
	if err := ext.Init(ctx, a); err != nil {
		return nil, fmt.Errorf("extension %s: %w", ext.Name(), err)
	}

	a.mu.Lock()
	a.extensions[typ] = ext
	a.initOrder = append(a.initOrder, ext)
	a.mu.Unlock()
	return ext, nil
}

// Extensions returns the initialized extensions in initialization order.
func (a *App) Extensions() []Extension {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Extension(nil), a.initOrder...)
}

// ExtensionLogger returns the logger an extension should log with.
func (a *App) ExtensionLogger(ext Extension) *zap.Logger {
	return a.Logger.With(zap.String("extension", ext.Name()))
}

// BindFlags lets every queued extension and its dependencies add flags.
func (a *App) BindFlags(fs *pflag.FlagSet) {
	a.mu.Lock()
	uses := append([]Extension(nil), a.uses...)
	a.mu.Unlock()

	seen := make(map[reflect.Type]bool)
	var walk func(ext Extension)
	walk = func(ext Extension) {
		typ := reflect.TypeOf(ext)
		if seen[typ] {
			return
		}
		seen[typ] = true
		if d, ok := ext.(Dependent); ok {
			for _, dep := range d.Dependencies() {
				walk(dep)
			}
		}
		if fb, ok := ext.(FlagBinder); ok {
			fb.BindFlags(fs, a.Config)
		}
	}
	for _, ext := range uses {
		walk(ext)
	}
}

// Get returns the initialized extension of type T. It panics when T was
// never registered.
func Get[T Extension](a *App) T {
	ext, ok := Lookup[T](a)
	if !ok {
		panic(fmt.Sprintf("extension %s is not loaded in the app", reflect.TypeFor[T]()))
	}
	return ext
}

// Lookup returns the initialized extension of type T, if any.
func Lookup[T Extension](a *App) (T, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ext, ok := a.extensions[reflect.TypeFor[T]()]
	if !ok {
		var zero T
		return zero, false
	}
	return ext.(T), true
}
