package ws

import "net/http"

func httpHandler(s *Server) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/sessions", s.HandleWS)
	return mux
}
