package httpapi

import (
	"net/http"
)

func (r *Router) handleGetZKParams(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if len(r.ZKParams.Raw) == 0 {
		_, _ = w.Write([]byte("{}"))
		return
	}
	_, _ = w.Write(r.ZKParams.Raw)
}
