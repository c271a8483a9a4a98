package main

import (
	"os"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"pkt.systems/zimd/internal/zim"
	"pkt.systems/zimd/internal/zim/zimtest"
)

func sampleArchive(t *testing.T) string {
	t.Helper()
	return zimtest.Sample(zim.CompressionZstd).
		Add('A', "C++", "C++", "text/html", []byte("<html><body>cpp</body></html>")).
		WriteFile(t, t.TempDir())
}

func TestInspectText(t *testing.T) {
	isolateEnv(t)
	stdout, stderr, code := executeCommand(t, "inspect", sampleArchive(t))
	if code != 0 {
		t.Fatalf("inspect: code=%d stderr=%q", code, stderr)
	}
	for _, want := range []string{"entries:", "main page:", "A/Main_Page", "M/Title:", "Sample", "text/html", "checksum:"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("inspect output missing %q:\n%s", want, stdout)
		}
	}
}

func TestInspectYAML(t *testing.T) {
	isolateEnv(t)
	stdout, stderr, code := executeCommand(t, "inspect", "--yaml", "--clusters", sampleArchive(t))
	if code != 0 {
		t.Fatalf("inspect: code=%d stderr=%q", code, stderr)
	}
	var report inspectReport
	if err := yaml.Unmarshal([]byte(stdout), &report); err != nil {
		t.Fatalf("unmarshal: %v\n%s", err, stdout)
	}
	if report.Entries != 8 || report.MainPage != "A/Main_Page" || report.Metadata["Language"] != "eng" {
		t.Fatalf("report = %+v", report)
	}
	if len(report.Checksum) != 32 {
		t.Fatalf("checksum = %q", report.Checksum)
	}
	total := 0
	for _, n := range report.Compressions {
		total += n
	}
	if total != report.Clusters {
		t.Fatalf("compression counts %v do not cover %d clusters", report.Compressions, report.Clusters)
	}
}

func TestVerifyCommand(t *testing.T) {
	isolateEnv(t)
	path := sampleArchive(t)
	stdout, stderr, code := executeCommand(t, "verify", path)
	if code != 0 || !strings.Contains(stdout, "checksum ok") {
		t.Fatalf("verify intact: code=%d stdout=%q stderr=%q", code, stdout, stderr)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	data[len(data)-17] ^= 0xff
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, stderr, code = executeCommand(t, "verify", path)
	if code != 1 || !strings.Contains(stderr, "checksum mismatch") {
		t.Fatalf("verify corrupt: code=%d stderr=%q", code, stderr)
	}
}

func TestCatCommand(t *testing.T) {
	isolateEnv(t)
	path := sampleArchive(t)
	cases := []struct {
		name string
		arg  string
		want string
	}{
		{"content", "A/Go", "<html><body>go</body></html>"},
		{"redirect", "A/Golang", "<html><body>go</body></html>"},
		{"leading slash", "/-/style.css", "body{margin:0}"},
		{"escaped", "/A/C%2B%2B", "<html><body>cpp</body></html>"},
		{"metadata", "M/Title", "Sample"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stdout, stderr, code := executeCommand(t, "cat", path, tc.arg)
			if code != 0 || stdout != tc.want {
				t.Fatalf("cat %s: code=%d stdout=%q stderr=%q", tc.arg, code, stdout, stderr)
			}
		})
	}

	if _, stderr, code := executeCommand(t, "cat", path, "A/Missing"); code != 1 || !strings.Contains(stderr, "not found") {
		t.Fatalf("cat missing: code=%d stderr=%q", code, stderr)
	}
}

func TestCatInfo(t *testing.T) {
	isolateEnv(t)
	stdout, stderr, code := executeCommand(t, "cat", "--info", sampleArchive(t), "A/Golang")
	if code != 0 {
		t.Fatalf("cat --info: code=%d stderr=%q", code, stderr)
	}
	for _, want := range []string{"A/Go\n", "Go (programming language)", "text/html", "redirects:  1"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("cat --info missing %q:\n%s", want, stdout)
		}
	}
}

func TestLsCommand(t *testing.T) {
	isolateEnv(t)
	path := sampleArchive(t)
	stdout, stderr, code := executeCommand(t, "ls", path)
	if code != 0 {
		t.Fatalf("ls: code=%d stderr=%q", code, stderr)
	}
	want := strings.Join([]string{
		"-/style.css",
		"A/C++",
		"A/Go",
		"A/Golang",
		"A/Main_Page",
		"I/logo.png",
		"M/Language",
		"M/Title",
	}, "\n") + "\n"
	if stdout != want {
		t.Fatalf("ls = %q, want %q", stdout, want)
	}

	stdout, _, code = executeCommand(t, "ls", "-n", "A", "-l", path)
	if code != 0 {
		t.Fatalf("ls -n A -l: code=%d", code)
	}
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	if len(lines) != 4 {
		t.Fatalf("ls -n A = %q", stdout)
	}
	if !strings.Contains(lines[2], "redirect") || !strings.Contains(lines[2], "-> A/Go") {
		t.Fatalf("redirect line = %q", lines[2])
	}

	if _, _, code := executeCommand(t, "ls", "-n", "AB", path); code != 1 {
		t.Fatalf("multi-character namespace accepted")
	}
}
