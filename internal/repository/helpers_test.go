package repository

import (
	"archive/zip"
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// testKeyPair generates an Ed25519 key pair and writes the public key (hex)
// to a file in dir.
func testKeyPair(t *testing.T, dir string) (string, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	keyPath := filepath.Join(dir, "repo.pub")
	require.NoError(t, os.WriteFile(keyPath, []byte(hex.EncodeToString(pub)), 0o600))
	return keyPath, priv
}

// spkSpec controls test package construction. Zero values produce a valid
// minimal package.
type spkSpec struct {
	name       string
	version    string
	init       string
	memory     uint64
	cpuWeight  uint64
	badSig     bool // corrupt the signature bytes
	tamperMan  bool // modify the manifest after signing
	compressed bool // store image.fs compressed (invalid)
}

// buildSpk writes a signed test package into dir and returns its path.
func buildSpk(t *testing.T, dir string, spec spkSpec, priv ed25519.PrivateKey) string {
	t.Helper()

	if spec.name == "" {
		spec.name = "app"
	}
	if spec.version == "" {
		spec.version = "1.0"
	}
	if spec.init == "" {
		spec.init = "/bin/app"
	}

	manifest := fmt.Sprintf(`name: %s
version: %s
arch: x86_64
init: %s
uid: 1000
gid: 1000
resources:
    memory: %d
    cpu_weight: %d
`, spec.name, spec.version, spec.init, spec.memory, spec.cpuWeight)

	// Two 4096-byte data blocks plus a fake hash tree block.
	image := bytes.Repeat([]byte{0xA5}, 3*4096)
	dataSize := uint64(2 * 4096)

	manifestSum := sha256.Sum256([]byte(manifest))
	imageSum := sha256.Sum256(image)
	rootHash := sha256.Sum256(image[:dataSize])
	salt := sha256.Sum256([]byte(spec.name))

	digest := fmt.Sprintf(`manifest_sha256: %s
image_sha256: %s
image_size: %d
verity:
    algorithm: sha256
    root_hash: %s
    salt: %s
    data_size: %d
    block_size: 4096
`, hex.EncodeToString(manifestSum[:]), hex.EncodeToString(imageSum[:]), len(image),
		hex.EncodeToString(rootHash[:]), hex.EncodeToString(salt[:]), dataSize)

	sig := ed25519.Sign(priv, []byte(digest))
	if spec.badSig {
		sig[0] ^= 0xFF
	}
	signature := digest + "---\nsignature: " + hex.EncodeToString(sig) + "\n"

	if spec.tamperMan {
		manifest += "args: [--injected]\n"
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	writeEntry := func(name string, data []byte, method uint16) {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: method})
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}

	writeEntry(manifestEntry, []byte(manifest), zip.Deflate)
	imageMethod := uint16(zip.Store)
	if spec.compressed {
		imageMethod = zip.Deflate
	}
	writeEntry(imageEntry, image, imageMethod)
	writeEntry(signatureEntry, []byte(signature), zip.Deflate)
	require.NoError(t, zw.Close())

	path := filepath.Join(dir, fmt.Sprintf("%s-%s.spk", spec.name, spec.version))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}
