package httpserver

import "net/http"

// Routes groups the handlers exposed to the touchscreen UI.
type Routes struct {
	Health      http.HandlerFunc
	ListCasiers http.HandlerFunc
	Reserve     http.HandlerFunc
	Unlock      http.HandlerFunc
	Release     http.HandlerFunc
	Sync        http.HandlerFunc
	WS          http.HandlerFunc
}

// NewRouter registers endpoints.
func NewRouter(routes Routes) http.Handler {
	mux := http.NewServeMux()
	if routes.Health != nil {
		mux.Handle("/health", method(http.MethodGet, routes.Health))
	}
	if routes.ListCasiers != nil {
		mux.Handle("/casiers", method(http.MethodGet, routes.ListCasiers))
	}
	if routes.Reserve != nil {
		mux.Handle("/casiers/{index}/reserve", method(http.MethodPost, routes.Reserve))
	}
	if routes.Unlock != nil {
		mux.Handle("/casiers/{index}/unlock", method(http.MethodPost, routes.Unlock))
	}
	if routes.Release != nil {
		mux.Handle("/casiers/{index}/release", method(http.MethodPost, routes.Release))
	}
	if routes.Sync != nil {
		mux.Handle("/sync", method(http.MethodPost, routes.Sync))
	}
	if routes.WS != nil {
		mux.Handle("/ws", method(http.MethodGet, routes.WS))
	}
	return mux
}

func method(expected string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != expected {
			w.Header().Set("Allow", expected)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		handler(w, r)
	}
}
