package httpserver

import (
	"net/http"

	"github.com/gorilla/mux"

	"leadcast/internal/observability"
)

type Server struct {
	Mux *mux.Router
}

func New() *Server {
	r := mux.NewRouter()
	r.Use(Logging, Metrics(observability.APIRequests))
	return &Server{Mux: r}
}

// Handler is the router wrapped in CORS handling. CORS sits outside the
// router so preflight requests never hit method matching.
func (s *Server) Handler() http.Handler {
	return CORS(s.Mux)
}
