package tool

import "context"

// Conn is an established transport handle to one tool server. Calls may be
// issued concurrently; the implementation serializes or multiplexes them.
type Conn interface {
	Call(ctx context.Context, req Request) (*Result, error)
	ListTools(ctx context.Context) ([]Definition, error)
	Close() error
}

// Connector establishes transport handles for refs.
type Connector interface {
	Connect(ctx context.Context, ref Ref) (Conn, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, ref Ref) (Conn, error)

// Connect implements Connector.
func (f ConnectorFunc) Connect(ctx context.Context, ref Ref) (Conn, error) { return f(ctx, ref) }
