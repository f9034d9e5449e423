// Package imagefile writes capture images and thumbnails to the media
// directory and names them so gallery listings sort naturally.
package imagefile

import (
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	xdraw "golang.org/x/image/draw"
)

const (
	jpegQuality      = 90
	thumbnailMaxSide = 200
	thumbnailPrefix  = "thumb_"
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9]`)

// Manager owns the media directory where capture JPEGs and their
// thumbnails live.
type Manager struct {
	dir string
}

// NewManager creates the media directory if needed.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create media directory: %w", err)
	}
	return &Manager{dir: dir}, nil
}

// Dir returns the media directory path.
func (m *Manager) Dir() string {
	return m.dir
}

// FileName builds the on-disk name for a capture: the label with
// non-alphanumeric runs replaced, plus a millisecond timestamp.
func FileName(label string, at time.Time) string {
	safe := unsafeChars.ReplaceAllString(label, "_")
	if safe == "" {
		safe = "object"
	}
	return fmt.Sprintf("%s_%d.jpg", safe, at.UnixMilli())
}

// SaveJPEG writes img as a full-quality capture and returns its path.
func (m *Manager) SaveJPEG(img image.Image, label string, at time.Time) (string, error) {
	path := filepath.Join(m.dir, FileName(label, at))
	if err := writeJPEG(path, img, jpegQuality); err != nil {
		return "", err
	}
	return path, nil
}

// SaveThumbnail downscales img so its longer side is at most 200px and
// writes it next to the capture with a thumb_ prefix. Images already
// within bounds are written as-is.
func (m *Manager) SaveThumbnail(img image.Image, imagePath string) (string, error) {
	path := filepath.Join(filepath.Dir(imagePath), thumbnailPrefix+filepath.Base(imagePath))
	if err := writeJPEG(path, downscale(img, thumbnailMaxSide), jpegQuality); err != nil {
		return "", err
	}
	return path, nil
}

// Delete removes a capture and its thumbnail. Missing files are not an
// error; the record may outlive a manually pruned media directory.
func (m *Manager) Delete(imagePath, thumbnailPath string) error {
	var firstErr error
	for _, p := range []string{imagePath, thumbnailPath} {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = fmt.Errorf("failed to remove %s: %w", p, err)
		}
	}
	return firstErr
}

// IsThumbnail reports whether name uses the thumbnail naming scheme.
func IsThumbnail(name string) bool {
	return strings.HasPrefix(filepath.Base(name), thumbnailPrefix)
}

// SweepOrphanThumbnails removes thumbnails whose capture file no longer
// exists, e.g. after a capture was pruned outside the pair delete.
// Returns the number removed.
func (m *Manager) SweepOrphanThumbnails() (int, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read media directory: %w", err)
	}

	removed := 0
	for _, e := range entries {
		if e.IsDir() || !IsThumbnail(e.Name()) {
			continue
		}
		capture := strings.TrimPrefix(e.Name(), thumbnailPrefix)
		if _, err := os.Stat(filepath.Join(m.dir, capture)); err == nil {
			continue
		}
		if err := os.Remove(filepath.Join(m.dir, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

func downscale(img image.Image, maxSide int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxSide && h <= maxSide {
		return img
	}

	var tw, th int
	if w >= h {
		tw = maxSide
		th = h * maxSide / w
	} else {
		th = maxSide
		tw = w * maxSide / h
	}
	if tw < 1 {
		tw = 1
	}
	if th < 1 {
		th = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, tw, th))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, xdraw.Over, nil)
	return dst
}

func writeJPEG(path string, img image.Image, quality int) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer file.Close()

	if err := jpeg.Encode(file, img, &jpeg.Options{Quality: quality}); err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return nil
}
