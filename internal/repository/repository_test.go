package repository

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sealbox/sealbox/internal/config"
)

func newTestRepo(t *testing.T) (*Repository, string, ed25519.PrivateKey) {
	t.Helper()
	dir := t.TempDir()
	keyPath, priv := testKeyPair(t, t.TempDir())
	repo, err := New("test", config.RepositoryConfig{Dir: dir, Key: keyPath})
	require.NoError(t, err)
	return repo, dir, priv
}

func TestScanAndLookup(t *testing.T) {
	repo, dir, priv := newTestRepo(t)
	buildSpk(t, dir, spkSpec{name: "app", version: "1.0", memory: 64 << 20, cpuWeight: 100}, priv)

	require.NoError(t, repo.Scan(context.Background()))

	pkg, err := repo.Lookup("app", "1.0")
	require.NoError(t, err)
	assert.Equal(t, "app:1.0", pkg.Ref())
	assert.Equal(t, "/bin/app", pkg.Manifest.Init)
	assert.Equal(t, uint64(64<<20), pkg.Manifest.Resources.Memory)
	assert.Equal(t, "test", pkg.Repository)
	assert.Equal(t, uint64(8192), pkg.Verity.DataSize)
	assert.Greater(t, pkg.ImageOffset, int64(0))
}

func TestLookup_NotFound(t *testing.T) {
	repo, _, _ := newTestRepo(t)
	require.NoError(t, repo.Scan(context.Background()))

	_, err := repo.Lookup("ghost", "1.0")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestScan_SkipsTamperedSignature(t *testing.T) {
	repo, dir, priv := newTestRepo(t)
	buildSpk(t, dir, spkSpec{name: "good"}, priv)
	buildSpk(t, dir, spkSpec{name: "evil", badSig: true}, priv)

	require.NoError(t, repo.Scan(context.Background()))

	_, err := repo.Lookup("good", "1.0")
	assert.NoError(t, err)
	_, err = repo.Lookup("evil", "1.0")
	assert.True(t, errdefs.IsNotFound(err), "tampered package must not be visible")
}

func TestScan_SkipsTamperedManifest(t *testing.T) {
	repo, dir, priv := newTestRepo(t)
	buildSpk(t, dir, spkSpec{name: "app", tamperMan: true}, priv)

	require.NoError(t, repo.Scan(context.Background()))

	_, err := repo.Lookup("app", "1.0")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestScan_SkipsOverlongName(t *testing.T) {
	repo, dir, priv := newTestRepo(t)
	long := strings.Repeat("n", maxNameLen+1)
	buildSpk(t, dir, spkSpec{name: long}, priv)
	buildSpk(t, dir, spkSpec{name: strings.Repeat("n", maxNameLen)}, priv)

	require.NoError(t, repo.Scan(context.Background()))

	_, err := repo.Lookup(long, "1.0")
	assert.True(t, errdefs.IsNotFound(err), "over-long name must not index")
	_, err = repo.Lookup(strings.Repeat("n", maxNameLen), "1.0")
	assert.NoError(t, err)
}

func TestScan_SkipsWrongKey(t *testing.T) {
	repo, dir, _ := newTestRepo(t)
	_, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	buildSpk(t, dir, spkSpec{name: "app"}, otherPriv)

	require.NoError(t, repo.Scan(context.Background()))
	_, err = repo.Lookup("app", "1.0")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestScan_SkipsMalformedFile(t *testing.T) {
	repo, dir, priv := newTestRepo(t)
	buildSpk(t, dir, spkSpec{name: "good"}, priv)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "junk.spk"), []byte("not a zip"), 0o644))

	require.NoError(t, repo.Scan(context.Background()), "a malformed entry must not abort the scan")
	_, err := repo.Lookup("good", "1.0")
	assert.NoError(t, err)
	assert.Len(t, repo.List(), 1)
}

func TestScan_RejectsCompressedImage(t *testing.T) {
	repo, dir, priv := newTestRepo(t)
	buildSpk(t, dir, spkSpec{name: "app", compressed: true}, priv)

	require.NoError(t, repo.Scan(context.Background()))
	_, err := repo.Lookup("app", "1.0")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestVerify_SignatureError(t *testing.T) {
	_, dir, priv := newTestRepo(t)
	path := buildSpk(t, dir, spkSpec{name: "app", badSig: true}, priv)

	pub := priv.Public().(ed25519.PublicKey)
	_, err := readPackage(path, pub)
	assert.True(t, errors.Is(err, ErrSignatureInvalid))
}

func TestInstallUninstall(t *testing.T) {
	repo, _, priv := newTestRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Scan(ctx))

	src := buildSpk(t, t.TempDir(), spkSpec{name: "app", version: "2.0"}, priv)

	pkg, err := repo.Install(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, "app:2.0", pkg.Ref())

	// Installing again is an error.
	_, err = repo.Install(ctx, src)
	assert.True(t, errdefs.IsAlreadyExists(err))

	require.NoError(t, repo.Uninstall(ctx, "app", "2.0"))
	_, err = repo.Lookup("app", "2.0")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestInstall_RejectsUnverified(t *testing.T) {
	repo, _, _ := newTestRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Scan(ctx))

	_, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	src := buildSpk(t, t.TempDir(), spkSpec{name: "app"}, otherPriv)

	_, err = repo.Install(ctx, src)
	assert.True(t, errors.Is(err, ErrSignatureInvalid))
	assert.Empty(t, repo.List())
}

func TestManager_LookupAcrossRepositories(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	keyA, privA := testKeyPair(t, t.TempDir())
	keyB, privB := testKeyPair(t, t.TempDir())
	buildSpk(t, dirA, spkSpec{name: "app"}, privA)
	buildSpk(t, dirB, spkSpec{name: "db", version: "2.0"}, privB)

	m, err := NewManager(context.Background(), map[string]config.RepositoryConfig{
		"alpha": {Dir: dirA, Key: keyA},
		"beta":  {Dir: dirB, Key: keyB},
	})
	require.NoError(t, err)

	pkg, err := m.Lookup("app", "1.0")
	require.NoError(t, err)
	assert.Equal(t, "alpha", pkg.Repository)

	pkg, err = m.Lookup("db", "2.0")
	require.NoError(t, err)
	assert.Equal(t, "beta", pkg.Repository)

	_, err = m.Lookup("ghost", "0.1")
	assert.True(t, errdefs.IsNotFound(err))

	assert.Len(t, m.List(), 2)
}

func TestLoadPublicKey_Formats(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	dir := t.TempDir()

	raw := filepath.Join(dir, "raw.pub")
	require.NoError(t, os.WriteFile(raw, pub, 0o600))
	got, err := loadPublicKey(raw)
	require.NoError(t, err)
	assert.Equal(t, ed25519.PublicKey(pub), got)

	bad := filepath.Join(dir, "bad.pub")
	require.NoError(t, os.WriteFile(bad, []byte("short"), 0o600))
	_, err = loadPublicKey(bad)
	assert.Error(t, err)
}
