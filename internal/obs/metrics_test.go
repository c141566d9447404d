package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                "/",
		"/metrics":                        "/metrics",
		"/v1/donations":                   "/v1/donations",
		"/v1/donations?category=VEG":      "/v1/donations",
		"/v1/donations/01ABC":             "/v1/donations/:id",
		"/v1/donations/01ABC/status":      "/v1/donations/:id/status",
		"/v1/donations/nearby":            "/v1/donations/nearby",
		"/v1/stream":                      "/v1/stream",
		"/v1/stream/s-1/heartbeat":        "/v1/stream/:id/heartbeat",
		"/v1/donations/01ABC/extra/depth": "/v1/donations/01ABC/extra/depth",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
