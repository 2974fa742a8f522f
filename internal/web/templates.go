// Package web は埋め込みの HTML テンプレートを提供します。
package web

import (
	"embed"
	"html/template"
)

//go:embed templates/*.html
var files embed.FS

// Templates はすべてのページテンプレートを読み込みます。
// テンプレート名はファイル名（例: "login.html"）です。
func Templates() (*template.Template, error) {
	return template.New("").ParseFS(files, "templates/*.html")
}
