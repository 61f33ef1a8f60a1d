package cmd

import (
	"embed"
	"strings"
)

// Embed the web assets
//
//go:embed web/viewer.html web/styles.css web/script.js
var webAssets embed.FS

// generateViewerHTML inlines the stylesheet and script into the page so the
// viewer is served as a single document.
func generateViewerHTML() string {
	htmlContent, err := webAssets.ReadFile("web/viewer.html")
	if err != nil {
		return fallbackHTML()
	}
	cssContent, err := webAssets.ReadFile("web/styles.css")
	if err != nil {
		return fallbackHTML()
	}
	jsContent, err := webAssets.ReadFile("web/script.js")
	if err != nil {
		return fallbackHTML()
	}

	html := string(htmlContent)
	html = strings.Replace(html, `    <link rel="stylesheet" href="styles.css">`,
		`    <style>`+"\n"+string(cssContent)+"\n"+`    </style>`, 1)
	html = strings.Replace(html, `    <script src="script.js"></script>`,
		`    <script>`+"\n"+string(jsContent)+"\n"+`    </script>`, 1)
	return html
}

var viewerHTML = generateViewerHTML()

func fallbackHTML() string {
	return `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>Data Compare - Viewer</title>
</head>
<body>
    <h1>Viewer assets missing</h1>
    <p>The API is still available at <a href="/api/comparisons">/api/comparisons</a>.</p>
</body>
</html>`
}
