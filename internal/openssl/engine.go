package openssl

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/unityaisolutions/openssl-web-js/internal/exchange"
	"github.com/unityaisolutions/openssl-web-js/internal/foreign"
	"github.com/unityaisolutions/openssl-web-js/internal/memory"
	"github.com/unityaisolutions/openssl-web-js/types"
)

// Engine runs typed operations against one loaded module. It is not safe for
// concurrent use; callers hold a lock across each call.
type Engine struct {
	module foreign.Module
	arena  *memory.Arena
	procs  Procs
	logger zerolog.Logger
}

// NewEngine binds the full symbol table. Every missing or mis-shaped export is
// reported in the returned error.
func NewEngine(mod foreign.Module, logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		module: mod,
		arena:  memory.NewArena(mod),
		logger: logger.With().Str("component", "openssl").Logger(),
	}
	if err := foreign.Bind(mod, Symbols(&e.procs)); err != nil {
		return nil, err
	}
	return e, nil
}

// Module returns the bound module.
func (e *Engine) Module() foreign.Module {
	return e.module
}

// Outstanding returns the number of buffers and objects still leased.
func (e *Engine) Outstanding() int {
	return e.arena.Outstanding()
}

// Leaks describes every outstanding lease.
func (e *Engine) Leaks() []string {
	return e.arena.Leaks()
}

// Stats returns the arena counters.
func (e *Engine) Stats() memory.Stats {
	return e.arena.Stats()
}

func (e *Engine) env() exchange.Env {
	return exchange.Env{Arena: e.arena, Diag: e, Logger: e.logger}
}

// Diagnose takes the oldest queued error text and clears the rest of the queue.
// It returns "" when nothing was queued or the queue could not be read.
func (e *Engine) Diagnose(ctx context.Context) string {
	var msg string
	raw, err := e.procs.ErrorString.Call(ctx)
	if err == nil {
		msg, err = foreign.ReadCString(e.module, foreign.Address(raw), diagnosticLimit)
	}
	if err != nil {
		e.logger.Warn().Err(err).Msg("failed to read error queue")
	}
	if _, err := e.procs.ClearError.Call(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("failed to clear error queue")
	}
	return msg
}

// Init runs the library's one-time initialization.
func (e *Engine) Init(ctx context.Context) error {
	_, err := exchange.Run(ctx, e.env(), func(f *exchange.Frame) (struct{}, error) {
		return struct{}{}, f.Check(e.procs.Init)
	})
	return err
}

// Cleanup releases the library's global state.
func (e *Engine) Cleanup(ctx context.Context) error {
	_, err := exchange.Run(ctx, e.env(), func(f *exchange.Frame) (struct{}, error) {
		_, err := f.Invoke(e.procs.Cleanup)
		return struct{}{}, err
	})
	return err
}

// Version returns the library's version text.
func (e *Engine) Version(ctx context.Context) (string, error) {
	return exchange.Run(ctx, e.env(), func(f *exchange.Frame) (string, error) {
		ptr, err := f.Pointer(e.procs.Version)
		if err != nil {
			return "", err
		}
		return foreign.ReadCString(e.module, ptr, diagnosticLimit)
	})
}

func checkLength(field string, data []byte) error {
	if uint64(len(data)) > maxInput {
		return &types.InputError{Field: field, Reason: "exceeds 2 GiB"}
	}
	return nil
}

// maxInput bounds inputs whose length crosses the boundary as a signed int.
const maxInput = 1<<31 - 1
