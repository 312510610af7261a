package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                       "/",
		"/metrics":               "/metrics",
		"/v1/users/abc":          "/v1/users/:id",
		"/v1/users/abc/tokens":   "/v1/users/:id/tokens",
		"/v1/users/abc/extra":    "/v1/users/abc/extra",
		"/admin/settings/reload": "/admin/settings/reload",
		"/healthz?verbose=1":     "/healthz",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
