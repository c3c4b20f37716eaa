package webdav

import (
	"html/template"
	"io"

	"github.com/dustin/go-humanize"

	"clouddav/internal/storage"
)

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Index of {{.Title}}</title></head>
<body>
<h1>Index of {{.Title}}</h1>
<table>
<tr><th>Name</th><th>Size</th><th>Modified</th></tr>
{{- if .Parent}}
<tr><td><a href="../">../</a></td><td></td><td></td></tr>
{{- end}}
{{- range .Entries}}
<tr><td><a href="{{.Href}}">{{.Name}}{{if .Dir}}/{{end}}</a></td><td>{{.Size}}</td><td>{{.Modified}}</td></tr>
{{- end}}
</table>
</body>
</html>
`))

type indexEntry struct {
	Href     string
	Name     string
	Dir      bool
	Size     string
	Modified string
}

func renderIndex(w io.Writer, self, title string, parent bool, objs []storage.DriveObject, href func(storage.DriveObject) string) error {
	entries := make([]indexEntry, 0, len(objs))
	for _, o := range objs {
		e := indexEntry{Href: href(o), Name: o.Name, Dir: o.IsDirectory, Modified: httpTime(o.LastModified)}
		if !o.IsDirectory {
			e.Size = humanize.IBytes(uint64(o.Size))
		}
		entries = append(entries, e)
	}
	return indexTemplate.Execute(w, struct {
		Self    string
		Title   string
		Parent  bool
		Entries []indexEntry
	}{self, title, parent, entries})
}
