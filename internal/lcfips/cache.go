package lcfips

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// BindingCache stores generated declaration files by fingerprint. Entries
// are zstd compressed; a flock on <dir>/.lock serializes writers across
// concurrent builds. Remote is optional.
type BindingCache struct {
	Dir    string
	Remote RemoteStore
	Logger *zap.Logger
}

func (c *BindingCache) entryPath(fp string) string {
	return filepath.Join(c.Dir, fp[:2], fp+".go.zst")
}

func remoteKey(fp string) string {
	return "bindings/" + fp + ".go.zst"
}

// withCacheLock runs fn holding the cache lock in the given mode
// (unix.LOCK_SH or unix.LOCK_EX).
func (c *BindingCache) withCacheLock(how int, fn func() error) error {
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(c.Dir, ".lock"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), how); err != nil {
		return err
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return fn()
}

// Get returns the cached declaration file for fp. Misses and unreadable
// entries both report false.
func (c *BindingCache) Get(ctx context.Context, fp string) ([]byte, bool) {
	logger := orNop(c.Logger)
	if len(fp) < 2 {
		return nil, false
	}

	var compressed []byte
	err := c.withCacheLock(unix.LOCK_SH, func() error {
		var err error
		compressed, err = os.ReadFile(c.entryPath(fp))
		return err
	})
	if err != nil && c.Remote != nil {
		compressed, err = c.Remote.DownloadFile(ctx, remoteKey(fp))
		if err == nil {
			if werr := c.writeEntry(fp, compressed); werr != nil {
				logger.Warn("binding cache: storing remote entry locally failed", zap.Error(werr))
			}
		}
	}
	if err != nil {
		return nil, false
	}

	data, err := decompress(compressed)
	if err != nil {
		logger.Warn("binding cache: corrupt entry", zap.String("fingerprint", fp), zap.Error(err))
		return nil, false
	}
	return data, true
}

// Put stores data under fp locally and, when configured, remotely.
func (c *BindingCache) Put(ctx context.Context, fp string, data []byte) error {
	if len(fp) < 2 {
		return fmt.Errorf("invalid fingerprint %q", fp)
	}
	compressed, err := compress(data)
	if err != nil {
		return err
	}
	if err := c.writeEntry(fp, compressed); err != nil {
		return err
	}
	if c.Remote != nil {
		if err := c.Remote.UploadFile(ctx, remoteKey(fp), compressed); err != nil {
			return fmt.Errorf("uploading %s: %w", remoteKey(fp), err)
		}
	}
	return nil
}

func (c *BindingCache) writeEntry(fp string, compressed []byte) error {
	return c.withCacheLock(unix.LOCK_EX, func() error {
		path := c.entryPath(fp)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, compressed, 0o644); err != nil {
			return err
		}
		return os.Rename(tmp, path)
	})
}

func compress(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}

func decompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(data, nil)
}
