package crawler

import (
	"net/url"
	"testing"

	"github.com/nao1215/sitemirror/internal/model"
)

func parse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse %q: %v", raw, err)
	}
	return u
}

// TestMatchPattern tests glob matching of URL paths.
func TestMatchPattern(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"/admin/*", "/admin/users", true},
		{"/admin/*", "/admin", true},
		{"/admin/*", "/administrator", false},
		{"*.pdf", "/docs/file.pdf", true},
		{"*.pdf", "/docs/file.html", false},
		{"/api/v?", "/api/v1", true},
		{"/api/v?", "/api/v10", false},
		{"logout*", "/account/logout-now", true},
		{"[", "/x", false},
	}
	for _, tc := range testCases {
		if got := matchPattern(tc.pattern, tc.path); got != tc.want {
			t.Errorf("matchPattern(%q, %q): expected %v, got %v", tc.pattern, tc.path, tc.want, got)
		}
	}
}

// TestAdmissionCheck tests the order and outcome of the policy checks.
func TestAdmissionCheck(t *testing.T) {
	t.Parallel()

	seed := parse(t, "https://example.com/")

	testCases := []struct {
		name   string
		policy admission
		url    string
		kind   model.ResourceKind
		want   model.Reason
	}{
		{
			name:   "same host asset",
			policy: admission{seed: seed},
			url:    "https://example.com/a.css",
			kind:   model.KindCSS,
		},
		{
			name:   "allowlist comes first",
			policy: admission{seed: seed, allowed: map[model.ResourceKind]bool{model.KindImage: true}},
			url:    "https://other.com/a.css",
			kind:   model.KindCSS,
			want:   model.ReasonFiltered,
		},
		{
			name:   "external asset without external download",
			policy: admission{seed: seed},
			url:    "https://cdn.other.com/logo.png",
			kind:   model.KindImage,
			want:   model.ReasonExternal,
		},
		{
			name:   "external asset with external download",
			policy: admission{seed: seed, external: true},
			url:    "https://cdn.other.com/logo.png",
			kind:   model.KindImage,
		},
		{
			name:   "external page is never crawled",
			policy: admission{seed: seed, external: true},
			url:    "https://other.com/page",
			kind:   model.KindHTML,
			want:   model.ReasonExternal,
		},
		{
			name:   "subdomain is external by default",
			policy: admission{seed: seed},
			url:    "https://blog.example.com/",
			kind:   model.KindHTML,
			want:   model.ReasonExternal,
		},
		{
			name:   "subdomain with same-site",
			policy: admission{seed: seed, sameSite: true},
			url:    "https://blog.example.com/",
			kind:   model.KindHTML,
		},
		{
			name:   "ignored path",
			policy: admission{seed: seed, ignorePatterns: []string{"/private/*"}},
			url:    "https://example.com/private/x.html",
			kind:   model.KindHTML,
			want:   model.ReasonExcluded,
		},
		{
			name:   "not followed path",
			policy: admission{seed: seed, followPatterns: []string{"/docs/*"}},
			url:    "https://example.com/blog/",
			kind:   model.KindHTML,
			want:   model.ReasonExcluded,
		},
		{
			name:   "followed path",
			policy: admission{seed: seed, followPatterns: []string{"/docs/*"}},
			url:    "https://example.com/docs/intro",
			kind:   model.KindHTML,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.policy.check(parse(t, tc.url), tc.kind); got != tc.want {
				t.Errorf("expected %q, got %q", tc.want, got)
			}
		})
	}
}
