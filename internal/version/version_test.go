package version

import (
	"testing"
	"time"
)

func TestPseudoVersion(t *testing.T) {
	ts := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	cases := []struct {
		name string
		info Info
		want string
	}{
		{name: "clean", info: Info{Revision: "0123456789abcdef", Time: ts}, want: "v0.0.0-20260304050607-0123456789ab"},
		{name: "dirty", info: Info{Revision: "abc", Time: ts, Modified: true}, want: "v0.0.0-20260304050607-abc+dirty"},
		{name: "no revision", info: Info{Time: ts}, want: ""},
		{name: "no time", info: Info{Revision: "abc"}, want: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.info.pseudo(); got != tc.want {
				t.Fatalf("pseudo() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestBuildVersionOverrides(t *testing.T) {
	prev := buildVersion
	buildVersion = "v1.2.3"
	t.Cleanup(func() { buildVersion = prev })
	if got := Current(); got != "v1.2.3" {
		t.Fatalf("Current() = %q, want v1.2.3", got)
	}
	if Module() == "" {
		t.Fatalf("Module() empty")
	}
}
