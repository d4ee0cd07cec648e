package commands

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pairtunnel "github.com/opd-ai/pairtunnel"
	"github.com/opd-ai/pairtunnel/config"
	"github.com/opd-ai/pairtunnel/relay"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pairtunnel.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetArgs(args)
	root.SetIn(strings.NewReader(stdin))
	root.SetOut(&out)
	root.SetErr(io.Discard)
	err := root.Execute()
	return out.String(), err
}

func TestConfirm(t *testing.T) {
	cases := map[string]bool{
		"y\n":     true,
		"YES\n":   true,
		" y \n":   true,
		"n\n":     false,
		"\n":      false,
		"maybe\n": false,
		"":        false,
		"y":       true,
	}
	for input, want := range cases {
		var out bytes.Buffer
		got, err := confirm(bufio.NewReader(strings.NewReader(input)), &out, "Continue?")
		require.NoError(t, err)
		assert.Equal(t, want, got, "input %q", input)
		assert.Equal(t, "Continue? [y/N]: ", out.String())
	}
}

func TestCommandTree(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"relay", "listen", "connect", "keys"})

	keys, _, err := root.Find([]string{"keys", "clear"})
	require.NoError(t, err)
	assert.Equal(t, "clear", keys.Name())
}

func TestFlagsOverrideConfig(t *testing.T) {
	path := writeConfig(t, "[device]\nusername = \"anders\"\n[keystore]\nbackend = \"memory\"\n")

	_, err := run(t, "", "--config", path, "--username", "bea", "--cipher", "ChaChaPoly", "keys", "list")
	require.NoError(t, err)
	assert.Equal(t, "bea", conf.Device.Username)
	assert.Equal(t, "ChaChaPoly", conf.Pairing.Cipher)

	_, err = run(t, "", "--config", path, "--username", "a:b", "keys", "list")
	assert.Error(t, err)
}

func TestKeysCommands(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, "[keystore]\nbackend = \"bolt\"\npath = \""+filepath.ToSlash(filepath.Join(dir, "keys.db"))+"\"\n")

	out, err := run(t, "", "--config", path, "keys", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No keys stored")

	c, err := config.LoadFile(path)
	require.NoError(t, err)
	store, err := c.OpenKeyStore()
	require.NoError(t, err)
	_, err = store.GetOrCreate("desk")
	require.NoError(t, err)
	_, err = store.GetOrCreate("phone")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	out, err = run(t, "", "--config", path, "keys", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "desk")
	assert.Contains(t, out, "phone")

	out, err = run(t, "", "--config", path, "keys", "delete", "desk")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted key for desk")

	out, err = run(t, "", "--config", path, "keys", "list")
	require.NoError(t, err)
	assert.NotContains(t, out, "desk")

	out, err = run(t, "n\n", "--config", path, "keys", "clear")
	require.NoError(t, err)
	assert.Contains(t, out, "Aborted")

	_, err = run(t, "", "--config", path, "keys", "clear", "--force")
	require.NoError(t, err)
	out, err = run(t, "", "--config", path, "keys", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No keys stored")
}

func TestListenReleasesCredential(t *testing.T) {
	rs := relay.New(relay.DefaultConfig())
	srv := httptest.NewServer(rs.Handler())
	defer srv.Close()
	defer rs.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + relay.DefaultPath

	path := writeConfig(t, "[keystore]\nbackend = \"memory\"\n")
	pr, pw := io.Pipe()
	lines := make(chan string, 100)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(pr)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	root := newRootCmd()
	root.SetArgs([]string{"--config", path, "--relay", url, "--username", "anders",
		"listen", "--cred-user", "anders@example.com", "--cred-pass", "hunter2"})
	root.SetIn(strings.NewReader("y\ny\n"))
	root.SetOut(pw)
	root.SetErr(io.Discard)

	done := make(chan error, 1)
	go func() {
		err := root.ExecuteContext(ctx)
		pw.Close()
		done <- err
	}()

	waitFor := func(substr string) string {
		timeout := time.After(5 * time.Second)
		for {
			select {
			case line, ok := <-lines:
				require.True(t, ok, "listen exited early")
				if i := strings.Index(line, substr); i >= 0 {
					return line[i+len(substr):]
				}
			case <-timeout:
				t.Fatalf("timed out waiting for %q", substr)
				return ""
			}
		}
	}

	code := waitFor("Pairing code: ")

	cctx, ccancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer ccancel()
	c, err := pairtunnel.Connect(cctx, pairtunnel.ConnectConfig{
		RelayURL:    url,
		PairingCode: code,
		ClientName:  "phone",
	}, nil)
	require.NoError(t, err)
	defer c.Close()

	resp, err := c.RequestCredential(cctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, pairtunnel.Credential{Username: "anders@example.com", Password: "hunter2"}, resp.Credential)

	waitFor("Credential for example.com sent to phone")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("listen did not stop")
	}
}
