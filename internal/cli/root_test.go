package cli

import (
	"bytes"
	"encoding/json"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rescale/rescale-ingest/internal/config"
	"github.com/rescale/rescale-ingest/internal/constants"
	"github.com/rescale/rescale-ingest/internal/crypto"
)

// runCLI executes the root command with args in an isolated config home.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out, _, err := runCLIStreams(t, args...)
	return out, err
}

// runCLIStreams is runCLI returning stdout and stderr separately.
func runCLIStreams(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", home)
	for _, key := range []string{"RESCALE_INGEST_API_KEY", "RESCALE_INGEST_APP_SECRET", "RESCALE_INGEST_UPLOAD_URL"} {
		t.Setenv(key, "")
	}

	cmd := NewRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

func TestRootCommands(t *testing.T) {
	root := NewRootCmd()
	for _, name := range []string{"upload", "sign", "config", "version"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("command %q not registered", name)
		}
	}
	for _, flag := range []string{"config", "api-key", "token-file", "app-secret", "upload-url", "log-level", "proxy-mode"} {
		if root.PersistentFlags().Lookup(flag) == nil {
			t.Errorf("persistent flag %q missing", flag)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.HasPrefix(out, "rescale-ingest v") {
		t.Errorf("unexpected version output %q", out)
	}
}

func TestSignCommand(t *testing.T) {
	out, err := runCLI(t, "sign", "--app-secret", "secret", "--call", "read,stat", "--max-size", "1MiB", "--json")
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}

	var encoded, signature string
	for _, line := range strings.Split(out, "\n") {
		if v, ok := strings.CutPrefix(line, "policy: "); ok {
			encoded = v
		}
		if v, ok := strings.CutPrefix(line, "signature: "); ok {
			signature = v
		}
	}
	if encoded == "" || signature == "" {
		t.Fatalf("policy or signature missing from %q", out)
	}
	if signature != crypto.Sign(encoded, "secret") {
		t.Error("signature does not match the printed policy")
	}
	if !strings.Contains(out, `"maxSize": 1048576`) {
		t.Errorf("decoded policy missing max size: %q", out)
	}
}

func TestSignCommand_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no secret", []string{"sign"}},
		{"unknown call", []string{"sign", "--app-secret", "s", "--call", "delete"}},
		{"bad size", []string{"sign", "--app-secret", "s", "--max-size", "lots"}},
		{"min above max", []string{"sign", "--app-secret", "s", "--max-size", "1KiB", "--min-size", "2KiB"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := runCLI(t, tt.args...); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestConfigShow_RedactsSecrets(t *testing.T) {
	out, err := runCLI(t, "config", "show", "--api-key", "very-secret-key", "--app-secret", "shh")
	if err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	if strings.Contains(out, "very-secret-key") || strings.Contains(out, "shh") {
		t.Errorf("secret printed: %q", out)
	}
	if !strings.Contains(out, "<set (15 chars)>") {
		t.Errorf("api key state missing: %q", out)
	}
	if !strings.Contains(out, constants.DefaultUploadURL) {
		t.Errorf("default upload URL missing: %q", out)
	}
}

func TestConfigPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yaml")
	if err := os.WriteFile(path, []byte("part_size: 16MiB\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	out, err := runCLI(t, "config", "path", "--config", path)
	if err != nil {
		t.Fatalf("config path failed: %v", err)
	}
	if !strings.Contains(out, path) || !strings.Contains(out, "file exists") {
		t.Errorf("unexpected output %q", out)
	}
}

// ingestServer is a minimal multipart ingest service.
type ingestServer struct {
	mu       sync.Mutex
	chunks   int
	commits  int
	complete map[string]any
}

func (s *ingestServer) ServeHTTP(w nethttp.ResponseWriter, r *nethttp.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch r.URL.Path {
	case constants.StartPath:
		_, _ = io.WriteString(w, `{"uri":"/b/k","region":"us-east-1","upload_id":"u-1"}`)
	case constants.UploadPath:
		_, _ = io.Copy(io.Discard, r.Body)
		s.chunks++
		w.Header().Set("ETag", `"e"`)
	case constants.CommitPath:
		s.commits++
		_, _ = io.WriteString(w, `{}`)
	case constants.CompletePath:
		_ = json.NewDecoder(r.Body).Decode(&s.complete)
		_, _ = io.WriteString(w, `{"handle":"h-9","url":"https://cdn.test/h-9","key":"b/k"}`)
	default:
		w.WriteHeader(nethttp.StatusNotFound)
	}
}

func TestUploadCommand_EndToEnd(t *testing.T) {
	srv := &ingestServer{}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	path := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(path, bytes.Repeat([]byte{0xab}, 100*1024), 0o600); err != nil {
		t.Fatal(err)
	}

	out, errOut, err := runCLIStreams(t, "upload", path,
		"--api-key", "k",
		"--upload-url", ts.URL,
		"--progress", "none",
		"--part-size", "64KiB",
		"--chunk-size", "32KiB",
		"--min-chunk-size", "32KiB",
		"--tag", "project=wing",
	)
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if want := path + "\th-9\thttps://cdn.test/h-9\n"; out != want {
		t.Errorf("stdout = %q, want only the result line %q", out, want)
	}
	if !strings.Contains(errOut, "upload started") {
		t.Errorf("logs should go to stderr, got %q", errOut)
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	// 64KiB + 36KiB in 32KiB chunks
	if srv.chunks != 4 {
		t.Errorf("chunks = %d, want 4", srv.chunks)
	}
	if srv.commits != 2 {
		t.Errorf("commits = %d, want 2", srv.commits)
	}
	if srv.complete["apikey"] != "k" {
		t.Errorf("completion payload %v", srv.complete)
	}
	tags, _ := srv.complete["upload_tags"].(map[string]any)
	if tags["project"] != "wing" {
		t.Errorf("upload tags = %v", srv.complete["upload_tags"])
	}
}

func TestUploadCommand_MissingAPIKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.bin")
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := runCLI(t, "upload", path, "--progress", "none"); err == nil {
		t.Fatal("expected missing api key error")
	}
}

func TestExpandGlobPatterns(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.zip", "b.zip", "c.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	files, err := expandGlobPatterns([]string{filepath.Join(dir, "*.zip"), filepath.Join(dir, "a.zip")})
	if err != nil {
		t.Fatalf("expandGlobPatterns failed: %v", err)
	}
	if len(files) != 2 {
		t.Errorf("expected 2 deduplicated files, got %v", files)
	}

	if _, err := expandGlobPatterns([]string{filepath.Join(dir, "*.tar")}); err == nil {
		t.Error("expected error for pattern with no matches")
	}
}

func TestPromptProxyPassword(t *testing.T) {
	orig := readPassword
	defer func() { readPassword = orig }()

	tests := []struct {
		name    string
		proxy   config.ProxyConfig
		input   string
		readErr error
		want    string
		wantErr bool
	}{
		{"direct needs nothing", config.ProxyConfig{Mode: "no-proxy", User: "u"}, "", nil, "", false},
		{"already set", config.ProxyConfig{Mode: "basic", User: "u", Password: "pw"}, "", nil, "pw", false},
		{"prompted", config.ProxyConfig{Mode: "ntlm", Host: "proxy", User: "u"}, "s3cret\n", nil, "s3cret", false},
		{"empty answer", config.ProxyConfig{Mode: "basic", Host: "proxy", User: "u"}, "", nil, "", true},
		{"not a terminal", config.ProxyConfig{Mode: "basic", Host: "proxy", User: "u"}, "", errNoTerminal, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			readPassword = func() (string, error) { return tt.input, tt.readErr }
			cfg := config.Default()
			cfg.Proxy = tt.proxy

			err := promptProxyPassword(cfg, io.Discard)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && cfg.Proxy.Password != tt.want {
				t.Errorf("password = %q, want %q", cfg.Proxy.Password, tt.want)
			}
		})
	}
}
