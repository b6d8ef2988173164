// Package media stores uploaded files content-addressed on disk.
package media

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/wrenfed/wren/internal/db"
)

// mediaDir is the subdirectory of the storage dir holding uploads.
const mediaDir = "media"

// extensions maps accepted media types to file extensions.
var extensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
	"video/mp4":  ".mp4",
	"video/webm": ".webm",
	"audio/mpeg": ".mp3",
	"audio/ogg":  ".ogg",
}

// Storage is the on-disk media store. File names are derived from the
// content hash, so identical uploads share one file.
type Storage struct {
	root string
}

// New creates the media directory under the storage dir.
func New(storageDir string) (*Storage, error) {
	root := filepath.Join(storageDir, mediaDir)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	return &Storage{root: root}, nil
}

// Save writes data and returns the content-addressed file name.
func (s *Storage) Save(data []byte, mediaType string) (string, error) {
	ext, ok := extensions[strings.ToLower(mediaType)]
	if !ok {
		return "", fmt.Errorf("unsupported media type %q", mediaType)
	}
	sum := sha256.Sum256(data)
	name := hex.EncodeToString(sum[:]) + ext

	path := filepath.Join(s.root, name)
	if _, err := os.Stat(path); err == nil {
		return name, nil
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write media file: %w", err)
	}
	return name, nil
}

// Path returns the absolute path of a stored file name. File names
// from the database are hashes plus a known extension; anything else
// is rejected.
func (s *Storage) Path(name string) (string, error) {
	if name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid media file name %q", name)
	}
	return filepath.Join(s.root, name), nil
}

// Remove deletes a stored file. Missing files are not an error; a
// previous cleanup may have removed them.
func (s *Storage) Remove(name string) error {
	path, err := s.Path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove media file: %w", err)
	}
	return nil
}

// CleanupQueue deletes the files left orphaned by post or actor
// deletion. IPFS objects are only logged; unpinning is up to the
// external IPFS node.
func (s *Storage) CleanupQueue(queue *db.DeletionQueue) {
	if queue == nil {
		return
	}
	for _, name := range queue.FileNames {
		if err := s.Remove(name); err != nil {
			slog.Warn("failed to remove orphaned media", "file", name, "error", err)
		}
	}
	for _, cid := range queue.IPFSCids {
		slog.Info("orphaned IPFS object", "cid", cid)
	}
}
