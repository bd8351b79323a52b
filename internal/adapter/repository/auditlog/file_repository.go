package auditlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/V4T54L/sbs-relay/internal/domain"
)

const (
	dirPerm  = 0755
	filePerm = 0644
)

// ErrInvalidDate is returned for dates that cannot be turned into a path under the root.
var ErrInvalidDate = errors.New("invalid audit log date")

// FileRepository is the audit log sink: one append-only file per generated
// date, laid out as <root>/<YYYY/MM/DD>/<YYYY-MM-DD>.log.
type FileRepository struct {
	root   string
	logger *slog.Logger

	mu sync.Mutex
}

var _ domain.AuditLog = (*FileRepository)(nil)

// NewFileRepository creates an audit log rooted at root.
func NewFileRepository(root string, logger *slog.Logger) *FileRepository {
	return &FileRepository{
		root:   root,
		logger: logger.With("component", "audit_log", "root", root),
	}
}

// AppendLine appends line to the file for date, creating directories and the
// file as needed.
func (f *FileRepository) AppendLine(ctx context.Context, date, line string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path, err := f.PathFor(date)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return fmt.Errorf("failed to create audit log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("failed to open audit log %s: %w", path, err)
	}

	if _, err := file.WriteString(line + "\n"); err != nil {
		file.Close()
		return fmt.Errorf("failed to append to audit log %s: %w", path, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close audit log %s: %w", path, err)
	}
	return nil
}

// PathFor returns the file a line generated on date is appended to.
func (f *FileRepository) PathFor(date string) (string, error) {
	parts := strings.Split(date, "/")
	for _, p := range parts {
		if p == "" || p == "." || p == ".." || strings.ContainsAny(p, `\`) {
			return "", fmt.Errorf("%w: %q", ErrInvalidDate, date)
		}
	}

	dir := filepath.Join(append([]string{f.root}, parts...)...)
	return filepath.Join(dir, strings.Join(parts, "-")+".log"), nil
}
