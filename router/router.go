package router

import (
	"context"
	"net/http"
)

// Param is a single URL parameter (key/value pair).
type Param struct {
	Key   string
	Value string
}

// Params is the ordered list of URL parameters of one match.
type Params []Param

// ByName returns the value of the first Param matching name, or "".
func (ps Params) ByName(name string) string {
	for _, p := range ps {
		if p.Key == name {
			return p.Value
		}
	}
	return ""
}

// Router is the minimal routing surface the app depends on. Concrete
// routers (httprouter) adapt to it.
type Router interface {
	http.Handler
	Handle(method, path string, handler http.Handler)
}

// ParamGeter extracts named URL parameters from a request context in a
// router-independent way.
type ParamGeter interface {
	Get(ctx context.Context) Params
}

// Middleware wraps a handler with pre/post behavior.
type Middleware func(http.Handler) http.Handler

// Chain composes middlewares around a final handler. The first middleware
// in the list is the outermost.
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}
