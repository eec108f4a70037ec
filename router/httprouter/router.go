package httprouter

import (
	"context"
	"net/http"

	jshttprouter "github.com/julienschmidt/httprouter"

	"github.com/shotmill/shotmill/router"
)

// Router adapts julienschmidt/httprouter to the router interface.
type Router struct {
	*jshttprouter.Router
}

func New() *Router {
	r := jshttprouter.New()
	r.SaveMatchedRoutePath = false
	return &Router{r}
}

func (r *Router) Handle(method, path string, handler http.Handler) {
	r.Handler(method, path, handler)
}

// jsParams implements router.ParamGeter for httprouter's context storage.
type jsParams struct{}

func (js *jsParams) Get(ctx context.Context) router.Params {
	pms, _ := ctx.Value(jshttprouter.ParamsKey).(jshttprouter.Params)

	var params router.Params
	for _, v := range pms {
		params = append(params, router.Param{Key: v.Key, Value: v.Value})
	}
	return params
}

func NewParamGeter() router.ParamGeter {
	return &jsParams{}
}
