package gateway

import (
	_ "embed"
	"fmt"
	"net/http"
)

//go:embed error.html
var errorPageTemplate string

// writeErrorPage renders a canned HTML error page. It's used for every
// failure that happens before a response envelope has come back from
// the application — once headers are on the wire we can no longer
// change the status, so later failures just cut the connection instead.
func writeErrorPage(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	statusText := http.StatusText(status)
	fmt.Fprintf(w, errorPageTemplate, status, statusText, status, statusText, message)
}
