package upload

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const diskName = "disk"

// Disk stores clips in a directory served under BaseURL.
type Disk struct {
	dir     string
	baseURL string
	now     func() time.Time
	log     *zap.Logger
}

// NewDisk creates a disk uploader writing into dir. The returned URLs are
// baseURL joined with the file name.
func NewDisk(dir, baseURL string, logger *zap.Logger) *Disk {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Disk{
		dir:     dir,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		now:     time.Now,
		log:     logger.Named("disk"),
	}
}

// Upload writes clip as <kind>-<unix ms>.<ext>.
func (d *Disk) Upload(ctx context.Context, clip []byte, opts Options) (string, error) {
	opts = opts.withDefaults()
	if err := ctx.Err(); err != nil {
		return "", &UploadError{Backend: diskName, Err: errors.WithStack(err)}
	}
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return "", &UploadError{Backend: diskName, Err: errors.WithStack(err)}
	}

	name := fmt.Sprintf("%s-%d.%s", opts.ResourceKind, d.now().UnixMilli(), extension(opts.ResourceKind))
	if err := os.WriteFile(filepath.Join(d.dir, name), clip, 0o644); err != nil {
		return "", &UploadError{Backend: diskName, Err: errors.WithStack(err)}
	}

	location, err := url.JoinPath(d.baseURL, name)
	if err != nil {
		return "", &UploadError{Backend: diskName, Err: errors.WithStack(err)}
	}
	d.log.Info("Clip stored", zap.String("url", location), zap.Int("bytes", len(clip)))
	return location, nil
}
