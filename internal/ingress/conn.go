package ingress

import (
	"context"
	"net"
	"sync"
)

type connKey struct{}

// connState is the per transport connection session pin.
type connState struct {
	mu    sync.Mutex
	token string
}

// ConnContext is an http.Server ConnContext hook. Every request served on
// the connection shares one pin.
func ConnContext(ctx context.Context, _ net.Conn) context.Context {
	return context.WithValue(ctx, connKey{}, &connState{})
}

func connStateFrom(ctx context.Context) *connState {
	st, _ := ctx.Value(connKey{}).(*connState)
	return st
}
