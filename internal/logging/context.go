package logging

import "context"

// Sinks holds the four named log sinks spec section 6/9 calls for: process,
// debug, access, and error. They are independent *Logger values so a host
// can redirect any one without touching the others. The connection handler
// (conn.Handler) receives them as its Sinks field, not as package globals;
// IntoContext/FromContext are available for carrying them in a context,
// but the handler does not read sinks from its context.
type Sinks struct {
	Process *Logger
	Debug   *Logger
	Access  *Logger
	Error   *Logger
}

// NewSinks builds all four sinks from one Config template. All four write to
// cfg.Writer, or to stdout when cfg.Writer is nil.
func NewSinks(cfg Config) (*Sinks, error) {
	build := func() (*Logger, error) { return New(cfg) }

	process, err := build()
	if err != nil {
		return nil, err
	}
	debug, err := build()
	if err != nil {
		return nil, err
	}
	access, err := build()
	if err != nil {
		return nil, err
	}
	errSink, err := build()
	if err != nil {
		return nil, err
	}

	return &Sinks{Process: process, Debug: debug, Access: access, Error: errSink}, nil
}

type sinksContextKey struct{}

// IntoContext stores sinks in ctx for retrieval with FromContext.
func IntoContext(ctx context.Context, sinks *Sinks) context.Context {
	return context.WithValue(ctx, sinksContextKey{}, sinks)
}

// FromContext retrieves the sinks stored by IntoContext, or nil if absent.
func FromContext(ctx context.Context) *Sinks {
	s, _ := ctx.Value(sinksContextKey{}).(*Sinks)
	return s
}
