package httpserver

import "net/http"

// Routes groups handlers.
type Routes struct {
	Onboard        http.HandlerFunc
	OnboardAdapter http.HandlerFunc
	OpenSession    http.HandlerFunc
	CloseSession   http.HandlerFunc
	SettleSession  http.HandlerFunc
	RecoverSession http.HandlerFunc
	GetSession     http.HandlerFunc
	SessionHistory http.HandlerFunc
	Health         http.HandlerFunc

	Auth func(http.Handler) http.Handler
}

// NewRouter registers endpoints. Handlers behind Auth require a bearer token;
// /health stays open.
func NewRouter(routes Routes) http.Handler {
	mux := http.NewServeMux()
	if routes.Onboard != nil {
		mux.Handle("/v1/accounts/onboard", method(http.MethodPost, routes.Onboard))
	}
	if routes.OnboardAdapter != nil {
		mux.Handle("/v1/adapters/onboard", method(http.MethodPost, routes.OnboardAdapter))
	}
	if routes.OpenSession != nil {
		mux.Handle("/v1/sessions", method(http.MethodPost, routes.OpenSession))
	}
	if routes.CloseSession != nil {
		mux.Handle("/v1/sessions/{id}/close", method(http.MethodPost, routes.CloseSession))
	}
	if routes.SettleSession != nil {
		mux.Handle("/v1/sessions/{id}/settle", method(http.MethodPost, routes.SettleSession))
	}
	if routes.RecoverSession != nil {
		mux.Handle("/v1/sessions/{id}/recover", method(http.MethodPost, routes.RecoverSession))
	}
	if routes.GetSession != nil {
		mux.Handle("/v1/sessions/{id}", method(http.MethodGet, routes.GetSession))
	}
	if routes.SessionHistory != nil {
		mux.Handle("/v1/sessions/{id}/history", method(http.MethodGet, routes.SessionHistory))
	}

	var api http.Handler = mux
	if routes.Auth != nil {
		api = routes.Auth(mux)
	}

	root := http.NewServeMux()
	if routes.Health != nil {
		root.Handle("/health", method(http.MethodGet, routes.Health))
	}
	root.Handle("/", api)
	return root
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
