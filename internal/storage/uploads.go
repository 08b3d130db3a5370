// Package storage owns the on-disk layout: uploaded audio, the
// conversion workspace, and exported transcripts.
package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrFileTooLarge    = errors.New("file too large")
)

var audioExtensions = map[string]bool{
	".mp3": true, ".wav": true, ".m4a": true, ".aac": true,
	".mp4": true, ".flac": true, ".ogg": true,
}

// IsAudioFile reports whether the filename carries an accepted
// extension. Matching is by extension only; ffprobe does the real
// validation later.
func IsAudioFile(name string) bool {
	return audioExtensions[strings.ToLower(filepath.Ext(name))]
}

// AllowedExtensions returns the accepted extensions, sorted.
func AllowedExtensions() []string {
	exts := make([]string, 0, len(audioExtensions))
	for ext := range audioExtensions {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// CheckFilename rejects names whose extension is not on the allow-list.
func CheckFilename(name string) error {
	if IsAudioFile(name) {
		return nil
	}
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		ext = "(none)"
	}
	return fmt.Errorf("%w: %s (allowed: %s)", ErrUnsupportedType, ext, strings.Join(AllowedExtensions(), ", "))
}

// Store manages the data directory. Uploads land in uploads/, the
// pipeline writes intermediate WAVs to work/, and completed transcripts
// are exported to transcripts/.
type Store struct {
	uploadsDir     string
	workDir        string
	transcriptsDir string
	maxUploadBytes int64
}

func New(dataDir string, maxUploadBytes int64) (*Store, error) {
	s := &Store{
		uploadsDir:     filepath.Join(dataDir, "uploads"),
		workDir:        filepath.Join(dataDir, "work"),
		transcriptsDir: filepath.Join(dataDir, "transcripts"),
		maxUploadBytes: maxUploadBytes,
	}
	for _, dir := range []string{s.uploadsDir, s.workDir, s.transcriptsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return s, nil
}

func (s *Store) UploadsDir() string { return s.uploadsDir }
func (s *Store) WorkDir() string    { return s.workDir }

// SaveUpload streams one upload to disk under a fresh name, keeping the
// original extension. Files over the size cap are removed and refused.
func (s *Store) SaveUpload(name string, r io.Reader) (string, int64, error) {
	if err := CheckFilename(name); err != nil {
		return "", 0, err
	}
	ext := strings.ToLower(filepath.Ext(name))
	dst := filepath.Join(s.uploadsDir, uuid.New().String()+ext)

	f, err := os.Create(dst)
	if err != nil {
		return "", 0, fmt.Errorf("create upload: %w", err)
	}
	written, err := io.Copy(f, io.LimitReader(r, s.maxUploadBytes+1))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(dst)
		return "", 0, fmt.Errorf("write upload: %w", err)
	}
	if written > s.maxUploadBytes {
		os.Remove(dst)
		return "", 0, fmt.Errorf("%w: exceeds maximum size of %d MB", ErrFileTooLarge, s.maxUploadBytes>>20)
	}
	return dst, written, nil
}

// Owns reports whether path sits inside the uploads directory.
func (s *Store) Owns(path string) bool {
	absBase, err := filepath.Abs(s.uploadsDir)
	if err != nil {
		return false
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	return strings.HasPrefix(absPath, absBase+string(filepath.Separator))
}

// Remove deletes an upload. Paths outside the uploads directory are
// refused, so hot-folder originals and arbitrary files stay untouched.
func (s *Store) Remove(path string) error {
	if !s.Owns(path) {
		return os.ErrPermission
	}
	return os.Remove(path)
}

// WriteTranscript exports a finished transcript as a text file keyed by
// the batch file id.
func (s *Store) WriteTranscript(fileID, text string) (string, error) {
	path := s.TranscriptPath(fileID)
	if err := os.WriteFile(path, []byte(text), 0644); err != nil {
		return "", fmt.Errorf("write transcript: %w", err)
	}
	return path, nil
}

// TranscriptPath returns where a file's transcript lives once exported.
func (s *Store) TranscriptPath(fileID string) string {
	return filepath.Join(s.transcriptsDir, fileID+".txt")
}
