// Package repository indexes and verifies sealed packages (.spk files).
//
// A sealed package is a ZIP archive holding three entries:
//
//	manifest.yaml   name, version, entrypoint, isolation and resource defaults
//	image.fs        read-only filesystem image with an appended verity hash tree
//	signature.yaml  digest document plus an Ed25519 signature over it
//
// image.fs is stored uncompressed so the mount engine can loop-mount it
// directly at its byte offset inside the archive.
package repository

import (
	"archive/zip"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// Archive entry names.
const (
	manifestEntry  = "manifest.yaml"
	imageEntry     = "image.fs"
	signatureEntry = "signature.yaml"
)

// Manifest describes one container's content and runtime defaults.
type Manifest struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Arch    string `yaml:"arch"`

	// Init is the entrypoint path inside the mounted image.
	Init string            `yaml:"init"`
	Args []string          `yaml:"args,omitempty"`
	Env  map[string]string `yaml:"env,omitempty"`

	UID uint32 `yaml:"uid"`
	GID uint32 `yaml:"gid"`

	// Capabilities is the minimal capability set the entrypoint keeps.
	// Everything else is dropped before exec.
	Capabilities []string `yaml:"capabilities,omitempty"`

	Resources Resources `yaml:"resources"`
}

// Resources are the package's resource-limit defaults, applied at
// cgroup-creation time unless overridden.
type Resources struct {
	// Memory is the memory ceiling in bytes. 0 means unlimited.
	Memory uint64 `yaml:"memory"`

	// CPUWeight is the cpu share weight (cgroup2 cpu.weight range, 1-10000).
	CPUWeight uint64 `yaml:"cpu_weight"`
}

// maxNameLen keeps derived identifiers (device-mapper target names, mount
// point paths, cgroup names) well inside their kernel limits; the dm name
// field is 128 bytes including the runtime prefix.
const maxNameLen = 64

func (m *Manifest) validate() error {
	if m.Name == "" {
		return fmt.Errorf("manifest: name is required")
	}
	if len(m.Name) > maxNameLen {
		return fmt.Errorf("manifest: name exceeds %d characters", maxNameLen)
	}
	if strings.ContainsAny(m.Name, ":/") {
		return fmt.Errorf("manifest: name %q must not contain ':' or '/'", m.Name)
	}
	if m.Version == "" {
		return fmt.Errorf("manifest: version is required")
	}
	if m.Init == "" {
		return fmt.Errorf("manifest: init is required")
	}
	return nil
}

// Verity is the device-mapper verity material for an image: everything the
// mount engine needs to build a verity target over the loop device.
type Verity struct {
	Algorithm string `yaml:"algorithm"`
	RootHash  string `yaml:"root_hash"`
	Salt      string `yaml:"salt"`

	// DataSize is the size in bytes of the filesystem data section; the hash
	// tree starts at this offset within image.fs.
	DataSize uint64 `yaml:"data_size"`

	BlockSize uint32 `yaml:"block_size"`
}

// digestDoc is the signed portion of signature.yaml.
type digestDoc struct {
	ManifestSHA256 string `yaml:"manifest_sha256"`
	ImageSHA256    string `yaml:"image_sha256"`
	ImageSize      uint64 `yaml:"image_size"`
	Verity         Verity `yaml:"verity"`
}

// signatureDoc is the trailer of signature.yaml, after the "---" separator.
type signatureDoc struct {
	// Signature is the hex-encoded Ed25519 signature over the raw bytes of
	// the digest document.
	Signature string `yaml:"signature"`
}

// Package is an indexed, verified sealed package. Immutable; owned by the
// repository that indexed it.
type Package struct {
	Manifest Manifest

	// Path is the .spk file in the repository directory.
	Path string

	// Repository is the name of the owning repository.
	Repository string

	// ImageOffset and ImageSize locate image.fs inside the archive.
	ImageOffset int64
	ImageSize   uint64

	Verity Verity
}

// Ref returns the canonical "name:version" reference.
func (p *Package) Ref() string {
	return p.Manifest.Name + ":" + p.Manifest.Version
}

// readPackage opens an .spk, verifies its signature and manifest digest
// against key, and returns the indexed package. Any verification failure
// returns an error wrapping ErrSignatureInvalid.
func readPackage(path string, key ed25519.PublicKey) (*Package, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open package %s: %w", path, err)
	}
	defer zr.Close()

	var manifestFile, imageFile, signatureFile *zip.File
	for _, f := range zr.File {
		switch f.Name {
		case manifestEntry:
			manifestFile = f
		case imageEntry:
			imageFile = f
		case signatureEntry:
			signatureFile = f
		}
	}
	for name, f := range map[string]*zip.File{
		manifestEntry:  manifestFile,
		imageEntry:     imageFile,
		signatureEntry: signatureFile,
	} {
		if f == nil {
			return nil, fmt.Errorf("package %s: missing %s", path, name)
		}
	}

	manifestRaw, err := readEntry(manifestFile)
	if err != nil {
		return nil, fmt.Errorf("package %s: %w", path, err)
	}
	signatureRaw, err := readEntry(signatureFile)
	if err != nil {
		return nil, fmt.Errorf("package %s: %w", path, err)
	}

	digests, err := verifySignature(signatureRaw, key)
	if err != nil {
		return nil, fmt.Errorf("package %s: %w", path, err)
	}

	manifestDigest := sha256.Sum256(manifestRaw)
	if hex.EncodeToString(manifestDigest[:]) != digests.ManifestSHA256 {
		return nil, fmt.Errorf("package %s: manifest digest mismatch: %w", path, ErrSignatureInvalid)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(manifestRaw, &manifest); err != nil {
		return nil, fmt.Errorf("package %s: failed to parse manifest: %w", path, err)
	}
	if err := manifest.validate(); err != nil {
		return nil, fmt.Errorf("package %s: %w", path, err)
	}

	if imageFile.Method != zip.Store {
		return nil, fmt.Errorf("package %s: image.fs must be stored uncompressed", path)
	}
	if imageFile.UncompressedSize64 != digests.ImageSize {
		return nil, fmt.Errorf("package %s: image size %d does not match signed size %d: %w",
			path, imageFile.UncompressedSize64, digests.ImageSize, ErrSignatureInvalid)
	}
	offset, err := imageFile.DataOffset()
	if err != nil {
		return nil, fmt.Errorf("package %s: failed to locate image data: %w", path, err)
	}

	if err := validateVerity(digests.Verity, digests.ImageSize); err != nil {
		return nil, fmt.Errorf("package %s: %w", path, err)
	}

	return &Package{
		Manifest:    manifest,
		Path:        path,
		ImageOffset: offset,
		ImageSize:   digests.ImageSize,
		Verity:      digests.Verity,
	}, nil
}

// verifySignature splits signature.yaml into the digest document and the
// signature trailer, checks the Ed25519 signature over the raw digest bytes,
// and returns the parsed digests.
func verifySignature(raw []byte, key ed25519.PublicKey) (*digestDoc, error) {
	parts := strings.SplitN(string(raw), "\n---\n", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("malformed signature document: %w", ErrSignatureInvalid)
	}
	signedBytes := []byte(parts[0] + "\n")

	var trailer signatureDoc
	if err := yaml.Unmarshal([]byte(parts[1]), &trailer); err != nil {
		return nil, fmt.Errorf("malformed signature trailer: %w", ErrSignatureInvalid)
	}
	sig, err := hex.DecodeString(trailer.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return nil, fmt.Errorf("malformed signature: %w", ErrSignatureInvalid)
	}

	if !ed25519.Verify(key, signedBytes, sig) {
		return nil, ErrSignatureInvalid
	}

	var digests digestDoc
	if err := yaml.Unmarshal(signedBytes, &digests); err != nil {
		return nil, fmt.Errorf("malformed digest document: %w", ErrSignatureInvalid)
	}
	return &digests, nil
}

func validateVerity(v Verity, imageSize uint64) error {
	if v.Algorithm != "sha256" {
		return fmt.Errorf("unsupported verity algorithm %q", v.Algorithm)
	}
	if _, err := hex.DecodeString(v.RootHash); err != nil || v.RootHash == "" {
		return fmt.Errorf("invalid verity root hash")
	}
	if _, err := hex.DecodeString(v.Salt); err != nil {
		return fmt.Errorf("invalid verity salt")
	}
	if v.BlockSize == 0 || v.BlockSize%512 != 0 {
		return fmt.Errorf("invalid verity block size %d", v.BlockSize)
	}
	if v.DataSize == 0 || v.DataSize%uint64(v.BlockSize) != 0 {
		return fmt.Errorf("verity data size %d is not block aligned", v.DataSize)
	}
	if v.DataSize > imageSize {
		return fmt.Errorf("verity data size %d exceeds image size %d", v.DataSize, imageSize)
	}
	return nil
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", f.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", f.Name, err)
	}
	return data, nil
}
