package repository

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/sealbox/sealbox/internal/config"
)

// ErrSignatureInvalid marks a package whose signature or digests do not match
// the repository's trusted key. Such packages are excluded from the index and
// are not startable.
var ErrSignatureInvalid = errors.New("package signature invalid")

// Repository is a directory of sealed packages plus the trusted public key
// used to verify them. The index is read-mostly: lookups take a read lock,
// a scan builds a fresh index and swaps it under the write lock. A scan
// either replaces the whole index or leaves it untouched.
type Repository struct {
	name string
	dir  string
	key  ed25519.PublicKey

	mu    sync.RWMutex
	index map[string]*Package
}

// New creates a repository from its configuration and loads the trusted key.
// The index is empty until the first Scan.
func New(name string, cfg config.RepositoryConfig) (*Repository, error) {
	key, err := loadPublicKey(cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("repository %s: %w", name, err)
	}
	return &Repository{
		name:  name,
		dir:   cfg.Dir,
		key:   key,
		index: make(map[string]*Package),
	}, nil
}

// Name returns the repository's configured name.
func (r *Repository) Name() string {
	return r.name
}

// Scan enumerates *.spk files in the repository directory, verifies each and
// atomically replaces the index. A malformed or unverified entry is logged
// and skipped; it does not abort the scan. Scanning never mutates package
// content.
func (r *Repository) Scan(ctx context.Context) error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("repository %s: failed to read %s: %w", r.name, r.dir, err)
	}

	fresh := make(map[string]*Package)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".spk") {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		pkg, err := readPackage(path, r.key)
		if err != nil {
			log.G(ctx).WithError(err).WithField("package", path).
				Warn("skipping package")
			continue
		}
		pkg.Repository = r.name
		if prev, ok := fresh[pkg.Ref()]; ok {
			log.G(ctx).WithField("package", pkg.Ref()).
				WithField("kept", prev.Path).WithField("skipped", path).
				Warn("duplicate package reference")
			continue
		}
		fresh[pkg.Ref()] = pkg
	}

	r.mu.Lock()
	r.index = fresh
	r.mu.Unlock()

	log.G(ctx).WithField("repository", r.name).
		WithField("packages", len(fresh)).Info("repository scanned")
	return nil
}

// Lookup returns the package for name:version, or errdefs.ErrNotFound.
func (r *Repository) Lookup(name, version string) (*Package, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pkg, ok := r.index[name+":"+version]
	if !ok {
		return nil, fmt.Errorf("package %s:%s: %w", name, version, errdefs.ErrNotFound)
	}
	return pkg, nil
}

// List returns all indexed packages ordered by reference.
func (r *Repository) List() []*Package {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pkgs := make([]*Package, 0, len(r.index))
	for _, p := range r.index {
		pkgs = append(pkgs, p)
	}
	sort.Slice(pkgs, func(i, j int) bool { return pkgs[i].Ref() < pkgs[j].Ref() })
	return pkgs
}

// Install copies a sealed package file into the repository directory and
// rescans. The source is verified before the copy so a bad package never
// lands in the repository.
func (r *Repository) Install(ctx context.Context, src string) (*Package, error) {
	pkg, err := readPackage(src, r.key)
	if err != nil {
		return nil, err
	}

	dst := filepath.Join(r.dir, fmt.Sprintf("%s-%s.spk", pkg.Manifest.Name, pkg.Manifest.Version))
	if _, err := os.Stat(dst); err == nil {
		return nil, fmt.Errorf("package %s already installed: %w", pkg.Ref(), errdefs.ErrAlreadyExists)
	}
	if err := copyFile(src, dst); err != nil {
		return nil, fmt.Errorf("failed to install %s: %w", pkg.Ref(), err)
	}

	if err := r.Scan(ctx); err != nil {
		return nil, err
	}
	return r.Lookup(pkg.Manifest.Name, pkg.Manifest.Version)
}

// Uninstall removes a package file from the repository directory and rescans.
func (r *Repository) Uninstall(ctx context.Context, name, version string) error {
	pkg, err := r.Lookup(name, version)
	if err != nil {
		return err
	}
	if err := os.Remove(pkg.Path); err != nil {
		return fmt.Errorf("failed to remove %s: %w", pkg.Path, err)
	}
	return r.Scan(ctx)
}

// Manager aggregates the configured repositories. Lookup searches
// repositories in name order so results are deterministic.
type Manager struct {
	repos []*Repository
}

// NewManager constructs all configured repositories and runs the initial
// scan. A repository whose key cannot be loaded fails construction; a
// repository whose directory is missing fails its scan.
func NewManager(ctx context.Context, cfgs map[string]config.RepositoryConfig) (*Manager, error) {
	names := make([]string, 0, len(cfgs))
	for name := range cfgs {
		names = append(names, name)
	}
	sort.Strings(names)

	m := &Manager{}
	for _, name := range names {
		repo, err := New(name, cfgs[name])
		if err != nil {
			return nil, err
		}
		if err := repo.Scan(ctx); err != nil {
			return nil, err
		}
		m.repos = append(m.repos, repo)
	}
	return m, nil
}

// Lookup finds name:version across all repositories, first match wins.
func (m *Manager) Lookup(name, version string) (*Package, error) {
	for _, r := range m.repos {
		if pkg, err := r.Lookup(name, version); err == nil {
			return pkg, nil
		}
	}
	return nil, fmt.Errorf("package %s:%s: %w", name, version, errdefs.ErrNotFound)
}

// Install verifies and copies a package file into the named repository.
func (m *Manager) Install(ctx context.Context, repo, src string) (*Package, error) {
	r, err := m.Repository(repo)
	if err != nil {
		return nil, err
	}
	return r.Install(ctx, src)
}

// Uninstall removes name:version from whichever repository holds it.
func (m *Manager) Uninstall(ctx context.Context, name, version string) error {
	for _, r := range m.repos {
		if _, err := r.Lookup(name, version); err == nil {
			return r.Uninstall(ctx, name, version)
		}
	}
	return fmt.Errorf("package %s:%s: %w", name, version, errdefs.ErrNotFound)
}

// Repository returns the named repository, or errdefs.ErrNotFound.
func (m *Manager) Repository(name string) (*Repository, error) {
	for _, r := range m.repos {
		if r.name == name {
			return r, nil
		}
	}
	return nil, fmt.Errorf("repository %s: %w", name, errdefs.ErrNotFound)
}

// List returns all packages across repositories, ordered by repository then
// reference.
func (m *Manager) List() []*Package {
	var pkgs []*Package
	for _, r := range m.repos {
		pkgs = append(pkgs, r.List()...)
	}
	return pkgs
}

// loadPublicKey reads a trusted Ed25519 public key. The file may contain the
// raw 32 key bytes or their hex or base64 encoding.
func loadPublicKey(path string) (ed25519.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key %s: %w", path, err)
	}
	if len(data) == ed25519.PublicKeySize {
		return ed25519.PublicKey(data), nil
	}
	text := strings.TrimSpace(string(data))
	if raw, err := hex.DecodeString(text); err == nil && len(raw) == ed25519.PublicKeySize {
		return ed25519.PublicKey(raw), nil
	}
	if raw, err := base64.StdEncoding.DecodeString(text); err == nil && len(raw) == ed25519.PublicKeySize {
		return ed25519.PublicKey(raw), nil
	}
	return nil, fmt.Errorf("key %s is not a 32-byte Ed25519 public key", path)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.CreateTemp(filepath.Dir(dst), ".install-*")
	if err != nil {
		return err
	}
	tmp := out.Name()
	defer os.Remove(tmp)

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}
