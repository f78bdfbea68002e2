package model

import (
	"errors"
	"fmt"
	"mime"
	"net/url"
	"path"
	"strings"
)

// ErrUnknownKind is returned when a resource kind name cannot be parsed.
var ErrUnknownKind = errors.New("unknown resource kind")

// ResourceKind classifies a mirrored resource.
// The set is closed; every switch over it should handle all eight values.
type ResourceKind int

const (
	// KindHTML is an HTML document. HTML drives further discovery.
	KindHTML ResourceKind = iota
	// KindCSS is a stylesheet. Stylesheets are scanned for url() and @import.
	KindCSS
	// KindJavaScript is a script file.
	KindJavaScript
	// KindImage is a raster or vector image, including favicons.
	KindImage
	// KindFont is a web font.
	KindFont
	// KindPDF is a PDF document.
	KindPDF
	// KindVideo is a video file.
	KindVideo
	// KindOther is anything not covered above.
	KindOther
)

// AllResourceKinds returns every kind in declaration order.
func AllResourceKinds() []ResourceKind {
	return []ResourceKind{
		KindHTML, KindCSS, KindJavaScript, KindImage,
		KindFont, KindPDF, KindVideo, KindOther,
	}
}

// String returns the short lowercase name used in flags, logs and reports.
func (k ResourceKind) String() string {
	switch k {
	case KindHTML:
		return "html"
	case KindCSS:
		return "css"
	case KindJavaScript:
		return "js"
	case KindImage:
		return "image"
	case KindFont:
		return "font"
	case KindPDF:
		return "pdf"
	case KindVideo:
		return "video"
	case KindOther:
		return "other"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler so kinds can be JSON map keys.
func (k ResourceKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *ResourceKind) UnmarshalText(text []byte) error {
	parsed, err := ParseResourceKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseResourceKind parses a kind name as accepted by --only-resources.
// Singular and plural forms are both accepted ("image", "images").
func ParseResourceKind(s string) (ResourceKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "html", "page", "pages":
		return KindHTML, nil
	case "css", "stylesheet", "stylesheets":
		return KindCSS, nil
	case "js", "javascript", "script", "scripts":
		return KindJavaScript, nil
	case "image", "images", "img":
		return KindImage, nil
	case "font", "fonts":
		return KindFont, nil
	case "pdf", "pdfs":
		return KindPDF, nil
	case "video", "videos":
		return KindVideo, nil
	case "other", "others":
		return KindOther, nil
	default:
		return KindOther, fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// Priority returns the scheduling tier of the kind.
func (k ResourceKind) Priority() Priority {
	switch k {
	case KindCSS, KindJavaScript:
		return PriorityCritical
	case KindHTML:
		return PriorityHigh
	case KindImage, KindFont, KindPDF, KindVideo, KindOther:
		return PriorityNormal
	default:
		return PriorityNormal
	}
}

// IsDocument reports whether the kind is scanned for references.
func (k ResourceKind) IsDocument() bool {
	return k == KindHTML || k == KindCSS
}

// extensionKinds maps lowercase file extensions to kinds.
var extensionKinds = map[string]ResourceKind{
	".html": KindHTML, ".htm": KindHTML, ".xhtml": KindHTML, ".shtml": KindHTML,
	".php": KindHTML, ".asp": KindHTML, ".aspx": KindHTML, ".jsp": KindHTML, ".cfm": KindHTML,

	".css": KindCSS,

	".js": KindJavaScript, ".mjs": KindJavaScript,

	".jpg": KindImage, ".jpeg": KindImage, ".png": KindImage, ".gif": KindImage,
	".webp": KindImage, ".svg": KindImage, ".ico": KindImage, ".bmp": KindImage,
	".avif": KindImage, ".tif": KindImage, ".tiff": KindImage,

	".woff": KindFont, ".woff2": KindFont, ".ttf": KindFont, ".otf": KindFont, ".eot": KindFont,

	".pdf": KindPDF,

	".mp4": KindVideo, ".webm": KindVideo, ".ogv": KindVideo, ".mov": KindVideo,
	".avi": KindVideo, ".mkv": KindVideo, ".m4v": KindVideo,

	".json": KindOther, ".xml": KindOther, ".txt": KindOther, ".zip": KindOther,
	".mp3": KindOther, ".ogg": KindOther, ".wav": KindOther, ".vtt": KindOther,
	".webmanifest": KindOther,
}

// KindFromExtension returns the kind implied by the URL path extension.
// The second result is false when the extension is absent or unknown.
func KindFromExtension(u *url.URL) (ResourceKind, bool) {
	if u == nil {
		return KindOther, false
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if ext == "" {
		return KindOther, false
	}
	kind, ok := extensionKinds[ext]
	return kind, ok
}

// serverScriptExtensions name the program that generated a response rather
// than what it contains.
var serverScriptExtensions = map[string]bool{
	".php": true, ".asp": true, ".aspx": true, ".jsp": true, ".cfm": true,
}

// IsServerScript reports whether ext, with its leading dot, is the extension
// of a server-side script.
func IsServerScript(ext string) bool {
	return serverScriptExtensions[strings.ToLower(ext)]
}

// KindFromURL is KindFromExtension for a URL referenced as hint. A
// server-side script extension only implies HTML when the referring element
// does not fix another kind, so <script src="/loader.php"> stays JavaScript.
func KindFromURL(u *url.URL, hint ResourceKind) (ResourceKind, bool) {
	kind, ok := KindFromExtension(u)
	if ok && hint != KindHTML && hint != KindOther && IsServerScript(path.Ext(u.Path)) {
		return hint, true
	}
	return kind, ok
}

// KindFromContentType classifies a Content-Type header value.
// Unrecognised or empty values yield KindOther.
func KindFromContentType(contentType string) ResourceKind {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}

	switch {
	case mediaType == "text/html", mediaType == "application/xhtml+xml":
		return KindHTML
	case mediaType == "text/css":
		return KindCSS
	case strings.Contains(mediaType, "javascript"), strings.Contains(mediaType, "ecmascript"):
		return KindJavaScript
	case strings.HasPrefix(mediaType, "image/"):
		return KindImage
	case strings.HasPrefix(mediaType, "font/"),
		strings.HasPrefix(mediaType, "application/font-"),
		strings.HasPrefix(mediaType, "application/x-font-"),
		mediaType == "application/vnd.ms-fontobject":
		return KindFont
	case mediaType == "application/pdf":
		return KindPDF
	case strings.HasPrefix(mediaType, "video/"):
		return KindVideo
	default:
		return KindOther
	}
}

// DetectKind decides the kind of a fetched resource: URL extension first,
// Content-Type second. The hint from the referring element is used when
// neither is conclusive, and over a server-side script extension. An HTML
// hint is never trusted over a non-HTML Content-Type, since anchors point at
// arbitrary downloads.
func DetectKind(u *url.URL, contentType string, hint ResourceKind) ResourceKind {
	if kind, ok := KindFromURL(u, hint); ok {
		return kind
	}
	if strings.TrimSpace(contentType) != "" {
		kind := KindFromContentType(contentType)
		if kind != KindOther || hint == KindHTML {
			return kind
		}
	}
	return hint
}

// Priority is a scheduling tier. Lower values are drained first.
type Priority int

const (
	// PriorityCritical is used for render-blocking CSS and JavaScript.
	PriorityCritical Priority = iota
	// PriorityHigh is used for HTML documents.
	PriorityHigh
	// PriorityNormal is used for everything else.
	PriorityNormal
)

// String returns the tier name.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	default:
		return "unknown"
	}
}
