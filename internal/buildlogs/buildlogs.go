package buildlogs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/depotlabs/buildboard/pkg/logger"
)

// MaxLogSize caps how large an installer log may be before the API refuses
// to serve it.
const MaxLogSize = 10 * 1024 * 1024

var (
	ErrNotFound = errors.New("build log not found")
	ErrTooLarge = errors.New("build log too large")
)

var hostnamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidHostname reports whether a hostname is safe to use as a path
// element. Anything outside the pattern is rejected, which closes path
// traversal through the log tree.
func ValidHostname(hostname string) bool {
	if hostname == "" || len(hostname) > 255 {
		return false
	}
	return hostnamePattern.MatchString(hostname)
}

// Log is one installer log together with the build server that produced it.
type Log struct {
	BuildServer string
	Content     []byte
}

// Store finds installer logs by hostname.
type Store interface {
	Fetch(ctx context.Context, hostname string) (*Log, error)
}

// DirStore serves logs from the directory tree the build servers sync their
// output into, laid out as
// <root>/<build_server>/<hostname>/<hostname>-Installer.log.
type DirStore struct {
	root   string
	logger *logger.Logger
}

func NewDirStore(root string, logger *logger.Logger) *DirStore {
	return &DirStore{root: root, logger: logger}
}

func (d *DirStore) Fetch(_ context.Context, hostname string) (*Log, error) {
	if !ValidHostname(hostname) {
		return nil, ErrNotFound
	}

	entries, err := os.ReadDir(d.root)
	if err != nil {
		if os.IsNotExist(err) {
			d.logger.Warnf("build logs directory missing: %s", d.root)
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read build logs directory: %s", err)
	}

	// Sorted order keeps the answer deterministic when a hostname shows up
	// under more than one build server.
	servers := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			servers = append(servers, entry.Name())
		}
	}
	sort.Strings(servers)

	for _, server := range servers {
		path := filepath.Join(d.root, server, hostname, hostname+"-Installer.log")
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if info.Size() > MaxLogSize {
			d.logger.Warnf("build log for %s on %s is %d bytes, over the limit", hostname, server, info.Size())
			return nil, ErrTooLarge
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read build log %s: %s", path, err)
		}
		d.logger.Infof("found build log for %s on build server %s", hostname, server)
		return &Log{BuildServer: server, Content: content}, nil
	}
	return nil, ErrNotFound
}
