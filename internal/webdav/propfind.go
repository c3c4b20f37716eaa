package webdav

import (
	"encoding/xml"
	"net/http"
	"net/url"
	"path"
	"strings"

	"clouddav/internal/storage"
)

type multistatus struct {
	XMLName   xml.Name   `xml:"D:multistatus"`
	XMLNS     string     `xml:"xmlns:D,attr"`
	Responses []response `xml:"D:response"`
}

type response struct {
	Href     string   `xml:"D:href"`
	Propstat propstat `xml:"D:propstat"`
}

type propstat struct {
	Prop   prop   `xml:"D:prop"`
	Status string `xml:"D:status"`
}

type prop struct {
	DisplayName   string       `xml:"D:displayname"`
	ResourceType  resourceType `xml:"D:resourcetype"`
	ContentLength *int64       `xml:"D:getcontentlength,omitempty"`
	LastModified  string       `xml:"D:getlastmodified,omitempty"`
	ContentType   string       `xml:"D:getcontenttype,omitempty"`
	ETag          string       `xml:"D:getetag,omitempty"`
}

type resourceType struct {
	Collection *struct{} `xml:"D:collection,omitempty"`
}

func collectionResponse(href, name, lastModified string) response {
	return response{
		Href: href,
		Propstat: propstat{
			Prop: prop{
				DisplayName:  name,
				ResourceType: resourceType{Collection: &struct{}{}},
				LastModified: httpTime(lastModified),
			},
			Status: "HTTP/1.1 200 OK",
		},
	}
}

func objectResponse(href string, o storage.DriveObject) response {
	if o.IsDirectory {
		return collectionResponse(href, o.Name, o.LastModified)
	}
	size := o.Size
	etag := o.ETag
	if etag != "" && !strings.HasPrefix(etag, `"`) && !strings.HasPrefix(etag, `W/"`) {
		etag = `"` + etag + `"`
	}
	return response{
		Href: href,
		Propstat: propstat{
			Prop: prop{
				DisplayName:   o.Name,
				ContentLength: &size,
				LastModified:  httpTime(o.LastModified),
				ContentType:   contentType(o.Name),
				ETag:          etag,
			},
			Status: "HTTP/1.1 200 OK",
		},
	}
}

func writeMultistatus(w http.ResponseWriter, responses []response) error {
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusMultiStatus)
	if _, err := w.Write([]byte(xml.Header)); err != nil {
		return err
	}
	return xml.NewEncoder(w).Encode(multistatus{XMLNS: "DAV:", Responses: responses})
}

// httpTime converts an RFC 3339 timestamp to the RFC 1123 form DAV clients
// expect; unknown times are omitted.
func httpTime(rfc3339 string) string {
	t := storage.DriveObject{LastModified: rfc3339}.ModTime()
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(http.TimeFormat)
}

func escapePath(p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}

var contentTypes = map[string]string{
	".txt":  "text/plain; charset=utf-8",
	".md":   "text/markdown; charset=utf-8",
	".csv":  "text/csv; charset=utf-8",
	".htm":  "text/html; charset=utf-8",
	".html": "text/html; charset=utf-8",
	".css":  "text/css; charset=utf-8",
	".js":   "text/javascript; charset=utf-8",
	".json": "application/json",
	".xml":  "application/xml",
	".pdf":  "application/pdf",
	".zip":  "application/zip",
	".gz":   "application/gzip",
	".tar":  "application/x-tar",
	".7z":   "application/x-7z-compressed",
	".rar":  "application/vnd.rar",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".ppt":  "application/vnd.ms-powerpoint",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".svg":  "image/svg+xml",
	".bmp":  "image/bmp",
	".ico":  "image/x-icon",
	".mp3":  "audio/mpeg",
	".flac": "audio/flac",
	".wav":  "audio/wav",
	".ogg":  "audio/ogg",
	".mp4":  "video/mp4",
	".mkv":  "video/x-matroska",
	".mov":  "video/quicktime",
	".avi":  "video/x-msvideo",
	".webm": "video/webm",
}

func contentType(name string) string {
	if ct, ok := contentTypes[strings.ToLower(path.Ext(name))]; ok {
		return ct
	}
	return "application/octet-stream"
}
