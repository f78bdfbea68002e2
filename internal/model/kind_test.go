package model

import (
	"errors"
	"net/url"
	"testing"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse %q: %v", raw, err)
	}
	return u
}

// TestResourceKindString tests the String method of ResourceKind.
func TestResourceKindString(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		kind     ResourceKind
		expected string
	}{
		{KindHTML, "html"},
		{KindCSS, "css"},
		{KindJavaScript, "js"},
		{KindImage, "image"},
		{KindFont, "font"},
		{KindPDF, "pdf"},
		{KindVideo, "video"},
		{KindOther, "other"},
		{ResourceKind(99), "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.expected, func(t *testing.T) {
			t.Parallel()
			if tc.kind.String() != tc.expected {
				t.Errorf("got %q, expected %q", tc.kind.String(), tc.expected)
			}
		})
	}
}

// TestParseResourceKind tests parsing of --only-resources values.
func TestParseResourceKind(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		input    string
		expected ResourceKind
	}{
		{"images", KindImage},
		{"image", KindImage},
		{" CSS ", KindCSS},
		{"js", KindJavaScript},
		{"javascript", KindJavaScript},
		{"html", KindHTML},
		{"fonts", KindFont},
		{"pdf", KindPDF},
		{"videos", KindVideo},
		{"other", KindOther},
	}

	for _, tc := range testCases {
		t.Run(tc.input, func(t *testing.T) {
			t.Parallel()
			got, err := ParseResourceKind(tc.input)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.expected {
				t.Errorf("ParseResourceKind(%q) = %v, expected %v", tc.input, got, tc.expected)
			}
		})
	}

	t.Run("unknown name", func(t *testing.T) {
		t.Parallel()
		if _, err := ParseResourceKind("flash"); !errors.Is(err, ErrUnknownKind) {
			t.Errorf("expected ErrUnknownKind, got %v", err)
		}
	})
}

// TestResourceKindPriority tests the scheduling tiers.
func TestResourceKindPriority(t *testing.T) {
	t.Parallel()

	expected := map[ResourceKind]Priority{
		KindCSS:        PriorityCritical,
		KindJavaScript: PriorityCritical,
		KindHTML:       PriorityHigh,
		KindImage:      PriorityNormal,
		KindFont:       PriorityNormal,
		KindPDF:        PriorityNormal,
		KindVideo:      PriorityNormal,
		KindOther:      PriorityNormal,
	}
	for _, kind := range AllResourceKinds() {
		if got := kind.Priority(); got != expected[kind] {
			t.Errorf("%v: expected %v, got %v", kind, expected[kind], got)
		}
	}
	if !(PriorityCritical < PriorityHigh && PriorityHigh < PriorityNormal) {
		t.Error("expected Critical < High < Normal")
	}
}

// TestDetectKind tests extension-first, content-type-second classification.
func TestDetectKind(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name        string
		rawURL      string
		contentType string
		hint        ResourceKind
		expected    ResourceKind
	}{
		{"extension wins over content type", "https://example.com/a.css", "text/html", KindHTML, KindCSS},
		{"uppercase extension", "https://example.com/LOGO.PNG", "", KindOther, KindImage},
		{"content type without extension", "https://example.com/style", "text/css; charset=utf-8", KindHTML, KindCSS},
		{"html content type", "https://example.com/about/", "text/html", KindOther, KindHTML},
		{"hint used when nothing else", "https://example.com/img", "", KindImage, KindImage},
		{"octet stream does not become html", "https://example.com/download", "application/octet-stream", KindHTML, KindOther},
		{"octet stream keeps image hint", "https://example.com/pic", "application/octet-stream", KindImage, KindImage},
		{"font content type", "https://example.com/f", "font/woff2", KindOther, KindFont},
		{"php page", "https://example.com/index.php?id=1", "", KindOther, KindHTML},
		{"php script", "https://example.com/loader.php", "", KindJavaScript, KindJavaScript},
		{"aspx stylesheet", "https://example.com/Style.ASPX", "text/html", KindCSS, KindCSS},
		{"jsp image", "https://example.com/thumb.jsp?id=2", "", KindImage, KindImage},
		{"static extension beats hint", "https://example.com/a.css", "", KindJavaScript, KindCSS},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := DetectKind(mustURL(t, tc.rawURL), tc.contentType, tc.hint)
			if got != tc.expected {
				t.Errorf("expected %v, got %v", tc.expected, got)
			}
		})
	}
}

// TestResourceKindTextRoundTrip tests that kinds work as JSON map keys.
func TestResourceKindTextRoundTrip(t *testing.T) {
	t.Parallel()

	for _, kind := range AllResourceKinds() {
		text, err := kind.MarshalText()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		var parsed ResourceKind
		if err := parsed.UnmarshalText(text); err != nil {
			t.Fatalf("unexpected error for %s: %v", text, err)
		}
		if parsed != kind {
			t.Errorf("expected %v, got %v", kind, parsed)
		}
	}
}
