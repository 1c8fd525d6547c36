package httpingest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.uber.org/zap"
)

type handlerWithErr func(http.ResponseWriter, *http.Request) *HTTPError

type router struct {
	*chi.Mux
	log *zap.SugaredLogger
}

func newRouter(log *zap.SugaredLogger) *router {
	return &router{
		Mux: chi.NewMux(),
		log: log,
	}
}

func (rt *router) handler(handlerFn handlerWithErr) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := handlerFn(w, r); err != nil {
			if rerr := render.Render(w, r, err); rerr != nil {
				rt.log.Warnf("error rendering error response: %v", rerr)
			}
			rt.log.Warnf("request %s %s failed with %d: %v", r.Method, r.URL.Path, err.Code, err)
		}
	}
}

func (rt *router) get(pattern string, handlerFn handlerWithErr) {
	rt.Mux.Get(pattern, rt.handler(handlerFn))
}

func (rt *router) post(pattern string, handlerFn handlerWithErr) {
	rt.Mux.Post(pattern, rt.handler(handlerFn))
}
