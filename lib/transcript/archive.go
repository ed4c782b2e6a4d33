package transcript

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// ErrNoTranscripts reports that a channel has no recorded exchanges yet.
var ErrNoTranscripts = errors.New("transcript: no entries for channel")

// ExportChannel bundles every day file recorded for the channel into a
// tar.zst archive and returns it as bytes. Day files are small, so the
// archive is buffered rather than streamed.
func (w *Writer) ExportChannel(channelID string) ([]byte, error) {
	// Holding mu keeps a concurrent Append from landing half a frame in
	// the archive.
	w.mu.Lock()
	defer w.mu.Unlock()

	name := sanitizeName(channelID)
	dir := filepath.Join(w.dir, name)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoTranscripts
	}
	if err != nil {
		return nil, fmt.Errorf("read transcript dir: %w", err)
	}

	var buf bytes.Buffer
	// Day files are already zstd frames, so the outer layer runs at the
	// fastest level.
	zw, err := zstd.NewWriter(&buf,
		zstd.WithEncoderLevel(zstd.SpeedFastest),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	tw := tar.NewWriter(zw)

	archived := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl.zst") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", entry.Name(), err)
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return nil, fmt.Errorf("header for %s: %w", entry.Name(), err)
		}
		// The archive keeps the channel directory so extraction recreates
		// the writer's layout.
		header.Name = path.Join(name, entry.Name())

		if err := tw.WriteHeader(header); err != nil {
			return nil, fmt.Errorf("write header for %s: %w", entry.Name(), err)
		}
		f, err := os.Open(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", entry.Name(), err)
		}
		_, err = io.Copy(tw, f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("copy %s: %w", entry.Name(), err)
		}
		archived++
	}
	if archived == 0 {
		return nil, ErrNoTranscripts
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar writer: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close zstd writer: %w", err)
	}
	w.logger.Debug("transcripts exported", "channel", channelID, "files", archived, "bytes", buf.Len())
	return buf.Bytes(), nil
}

// Extract unpacks an ExportChannel archive under destDir, recreating the
// channel directory and its day files. Entries that would land outside
// destDir are rejected; anything but plain files and directories is
// skipped.
func Extract(r io.Reader, destDir string) error {
	zr, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return fmt.Errorf("create zstd decoder: %w", err)
	}
	defer zr.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("create dest dir: %w", err)
	}

	tr := tar.NewReader(zr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar header: %w", err)
		}

		destPath := filepath.Join(destDir, header.Name)
		if !strings.HasPrefix(filepath.Clean(destPath), filepath.Clean(destDir)+string(os.PathSeparator)) {
			return fmt.Errorf("illegal file path: %s", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(destPath, os.FileMode(header.Mode)); err != nil {
				return fmt.Errorf("create directory %s: %w", destPath, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
				return fmt.Errorf("create parent dir for %s: %w", destPath, err)
			}
			f, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode))
			if err != nil {
				return fmt.Errorf("create file %s: %w", destPath, err)
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return fmt.Errorf("extract file %s: %w", destPath, err)
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("close file %s: %w", destPath, err)
			}
		}
	}
}
