package gateway

import (
	_ "embed"
	"net/http"
)

const docsPath = "/api-docs/openapi.json"

//go:embed openapi.json
var openAPIDocument []byte

func docsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != docsPath || (req.Method != http.MethodGet && req.Method != http.MethodHead) {
			next.ServeHTTP(w, req)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if req.Method == http.MethodHead {
			return
		}
		_, _ = w.Write(openAPIDocument)
	})
}
