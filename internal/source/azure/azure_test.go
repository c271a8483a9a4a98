package azure

import (
	"context"
	"testing"
)

func TestAppendSASToken(t *testing.T) {
	cases := []struct {
		endpoint string
		sas      string
		want     string
	}{
		{endpoint: "https://acct.blob.core.windows.net", sas: "?sv=1&sig=x", want: "https://acct.blob.core.windows.net?sv=1&sig=x"},
		{endpoint: "https://acct.blob.core.windows.net/?comp=list", sas: "sv=1", want: "https://acct.blob.core.windows.net/?comp=list&sv=1"},
	}
	for _, tc := range cases {
		got, err := appendSASToken(tc.endpoint, tc.sas)
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if got != tc.want {
			t.Fatalf("got %q, want %q", got, tc.want)
		}
	}
}

func TestOpenValidatesConfig(t *testing.T) {
	cases := map[string]Config{
		"no account":   {Container: "c", Blob: "b", AccountKey: "k"},
		"no container": {Account: "a", Blob: "b", AccountKey: "k"},
		"no blob":      {Account: "a", Container: "c", AccountKey: "k"},
		"no creds":     {Account: "a", Container: "c", Blob: "b"},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Open(context.Background(), cfg); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
