package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/karasz/tamperlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const keys = "../keystore/testdata/"

func baseYAML(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return `
signing:
  path: ` + keys + `sign.p12
  alias: audit-sign
  store_password: changeit1
  hash: sha1
encrypting:
  path: ` + keys + `encrypt.p12
  alias: audit-encrypt
  store_password: ${TAMPERLOG_TEST_PASS}
viewing_certificates:
  - ` + keys + `viewer.cer
log_dir: ` + filepath.Join(dir, "logs") + `
trusted_dir: ` + filepath.Join(dir, "trusted") + `
iterations: 1000
`
}

func TestParse(t *testing.T) {
	c, err := Parse([]byte(baseYAML(t)))
	require.NoError(t, err)
	assert.Equal(t, "audit-sign", c.Signing.Alias)
	assert.Equal(t, uint32(1000), c.Iterations)
	assert.Len(t, c.ViewingCertificates, 1)
	assert.Nil(t, c.Reference)

	alg, err := c.HashAlgorithm()
	require.NoError(t, err)
	assert.Equal(t, tamperlog.SHA1, alg)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown key", "log_dir: x\ntrusted_dir: y\nsigning: {path: a}\nencrypting: {path: b}\nbogus: 1\n", "bogus"},
		{"missing log dir", "trusted_dir: y\nsigning: {path: a}\nencrypting: {path: b}\n", "log_dir: field is required"},
		{"missing signing path", "log_dir: x\ntrusted_dir: y\nencrypting: {path: b}\n", "signing.path: field is required"},
		{"bad hash", "log_dir: x\ntrusted_dir: y\nsigning: {path: a, hash: md5}\nencrypting: {path: b}\n", "unknown hash algorithm"},
		{"bad cipher", "log_dir: x\ntrusted_dir: y\nsigning: {path: a}\nencrypting: {path: b}\ncipher: rot13\n", "unknown cipher suite"},
		{"low iterations", "log_dir: x\ntrusted_dir: y\nsigning: {path: a}\nencrypting: {path: b}\niterations: 10\n", "iterations: must be at least 1000"},
		{"no trusted dir", "log_dir: x\nsigning: {path: a}\nencrypting: {path: b}\n", "trusted_dir"},
		{"sqlite without dsn", "log_dir: x\nsigning: {path: a}\nencrypting: {path: b}\nreference: {kind: sqlite}\n", "reference.dsn: field is required"},
		{"unknown reference kind", "log_dir: x\nsigning: {path: a}\nencrypting: {path: b}\nreference: {kind: s3}\n", "reference.kind: must be one of"},
		{"http without host", "log_dir: x\nsigning: {path: a}\nencrypting: {path: b}\nreference: {kind: http, url: refs}\n", "reference.url"},
		{"bad log level", "log_dir: x\ntrusted_dir: y\nsigning: {path: a}\nencrypting: {path: b}\nlogging: {level: loud}\n", "logging.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tamperlog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(baseYAML(t)), 0600))
	_, err := Load(path)
	require.NoError(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestKeyMaterial(t *testing.T) {
	t.Setenv("TAMPERLOG_TEST_PASS", "storepass")
	c, err := Parse([]byte(baseYAML(t)))
	require.NoError(t, err)

	km, err := c.KeyMaterial()
	require.NoError(t, err)
	assert.Equal(t, tamperlog.SHA1, km.Signing().Hash)
	assert.Len(t, km.Viewers(), 1)

	t.Setenv("TAMPERLOG_TEST_PASS", "wrong")
	_, err = c.KeyMaterial()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "encrypting key")
}

func TestOptions_OpenLogger(t *testing.T) {
	t.Setenv("TAMPERLOG_TEST_PASS", "storepass")
	c, err := Parse([]byte(baseYAML(t)))
	require.NoError(t, err)

	opts, release, err := c.Options("audit")
	require.NoError(t, err)
	defer func() { require.NoError(t, release()) }()
	assert.Equal(t, tamperlog.AES256GCM, opts.Cipher)
	assert.IsType(t, &tamperlog.DirReference{}, opts.Reference)

	l, err := tamperlog.Open(opts)
	require.NoError(t, err)
	_, err = l.LogMessage([]byte("configured"))
	require.NoError(t, err)
	_, err = l.CloseLog()
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(c.LogDir, "audit.log"))
}

func TestReferenceStore_Kinds(t *testing.T) {
	dir := t.TempDir()

	c := &Config{Reference: &Reference{Kind: "sqlite", DSN: filepath.Join(dir, "ref.db")}}
	ref, release, err := c.ReferenceStore()
	require.NoError(t, err)
	assert.IsType(t, &tamperlog.SQLiteReference{}, ref)
	require.NoError(t, release())

	c = &Config{Reference: &Reference{Kind: "http", URL: "https://refs.example.com"}}
	ref, _, err = c.ReferenceStore()
	require.NoError(t, err)
	h, ok := ref.(*tamperlog.HTTPReference)
	require.True(t, ok)
	assert.Equal(t, "https://refs.example.com", h.BaseURL)
}

func TestExpandSecret(t *testing.T) {
	t.Setenv("TAMPERLOG_SECRET", "s3cret")
	assert.Equal(t, "s3cret", expandSecret("${TAMPERLOG_SECRET}"))
	assert.Equal(t, "literal$", expandSecret("literal$"))
	assert.Equal(t, "", expandSecret("${TAMPERLOG_UNSET_VAR}"))
}
