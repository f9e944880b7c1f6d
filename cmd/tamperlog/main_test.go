package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/karasz/tamperlog"
	"github.com/karasz/tamperlog/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testdata = "../../keystore/testdata/"

func writeConfig(t *testing.T) (path, logDir string) {
	t.Helper()
	dir := t.TempDir()
	logDir = filepath.Join(dir, "logs")
	cfg := `
signing:
  path: ` + testdata + `sign.p12
  alias: audit-sign
  store_password: changeit1
  hash: sha1
encrypting:
  path: ` + testdata + `encrypt.p12
  alias: audit-encrypt
  store_password: storepass
viewing_certificates:
  - ` + testdata + `viewer.pem
log_dir: ` + logDir + `
trusted_dir: ` + filepath.Join(dir, "trusted") + `
iterations: 1000
logging:
  level: debug
  format: json
`
	path = filepath.Join(dir, "tamperlog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0600))
	return path, logDir
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	app := newApp(strings.NewReader(stdin), &out, &errOut)
	err := app.Run(append([]string{"tamperlog"}, args...))
	return out.String(), err
}

func TestAppendVerifyRead(t *testing.T) {
	cfgPath, logDir := writeConfig(t)

	out, err := run(t, "", "append", "--config", cfgPath, "--name", "app", "first", "second")
	require.NoError(t, err)
	assert.Contains(t, out, "1\t")
	assert.Contains(t, out, "sealed at 2")

	out, err = run(t, "third\nfourth\n", "append", "-c", cfgPath, "-n", "app")
	require.NoError(t, err)
	assert.Contains(t, out, "sealed at 4")

	out, err = run(t, "", "verify", "--config", cfgPath, "--name", "app")
	require.NoError(t, err)
	assert.Contains(t, out, "messages:     4")
	assert.Contains(t, out, "checkpoints:  2")
	assert.Contains(t, out, "status:       OK")

	logPath := filepath.Join(logDir, "app.log")
	out, err = run(t, "", "read", "--log", logPath, "--key", testdata+"viewer-key.pem")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasSuffix(lines[3], "\tfourth"), lines[3])

	_, err = run(t, "", "read", "--log", logPath, "--key", testdata+"enc-x25519.pem")
	require.ErrorIs(t, err, tamperlog.ErrAccessDenied)
}

func TestVerify_DetectsTamper(t *testing.T) {
	cfgPath, logDir := writeConfig(t)
	_, err := run(t, "", "append", "--config", cfgPath, "--name", "app", "payload")
	require.NoError(t, err)

	logPath := filepath.Join(logDir, "app.log")
	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	data[len(data)-40] ^= 0x01
	require.NoError(t, os.WriteFile(logPath, data, 0600))

	_, err = run(t, "", "verify", "--config", cfgPath, "--name", "app")
	require.Error(t, err)

	require.NoError(t, os.Remove(logPath))
	_, err = run(t, "", "verify", "--config", cfgPath, "--name", "app")
	require.ErrorIs(t, err, tamperlog.ErrTamperDetected)
}

func TestServeReference_RequiresStore(t *testing.T) {
	_, err := run(t, "", "serve-reference", "--addr", "127.0.0.1:0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--dir or --sqlite")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := newLogger(&buf, config.Logging{Level: "warn", Format: "json"})
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	require.NoError(t, closer.Close())
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	file := filepath.Join(t.TempDir(), "tamperlog.log")
	logger, closer, err = newLogger(&buf, config.Logging{File: file, MaxSizeMB: 1})
	require.NoError(t, err)
	logger.Info("to file")
	require.NoError(t, closer.Close())
	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")

	_, _, err = newLogger(&buf, config.Logging{Level: "loud"})
	require.Error(t, err)
}
