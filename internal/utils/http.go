package utils

import (
	"encoding/json"
	"html/template"
	"net/http"

	"github.com/sirupsen/logrus"
)

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>{{.Title}}</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 50px; background-color: #f5f5f5; line-height: 1.6; }
        .container { max-width: 600px; margin: 0 auto; background: white; padding: 30px; border-radius: 8px; box-shadow: 0 2px 10px rgba(0,0,0,0.1); }
        h2 { color: #333; margin-top: 0; }
        .error { color: #dc3545; }
        .success { color: #28a745; }
        label { display: block; margin-top: 10px; }
        input[type=text], input[type=password] { width: 100%; padding: 8px; box-sizing: border-box; }
        button { margin-top: 15px; padding: 8px 16px; }
    </style>
</head>
<body>
    <div class="container">
        {{.Body}}
    </div>
</body>
</html>`))

// WriteHTMLResponse renders body inside the shared page layout
func WriteHTMLResponse(w http.ResponseWriter, statusCode int, title string, body template.HTML) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)
	_ = pageTemplate.Execute(w, struct {
		Title string
		Body  template.HTML
	}{title, body})
}

// WriteJSONResponse writes a JSON response with the given status code and data
func WriteJSONResponse(w http.ResponseWriter, statusCode int, data interface{}, logger *logrus.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("❌ Error encoding JSON response: %v", err)
	}
}

// WriteTextResponse writes a plain text response
func WriteTextResponse(w http.ResponseWriter, statusCode int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(statusCode)
	_, _ = w.Write([]byte(text))
}
