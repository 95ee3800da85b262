// Package artifacts saves screenshots and page dumps for later inspection.
package artifacts

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

const stampLayout = "2006-01-02 15-04-05.000000"

// Well known artifact prefixes.
const (
	SlotPage  = "citas"
	Offices   = "offices"
	Confirmed = "CONFIRMED-CITA"
	Failed    = "error"
	Final     = "FINAL-SCREEN"
)

// Store writes artifacts under Dir. A nil Store discards everything.
type Store struct {
	Dir    string
	Now    func() time.Time
	Logger *zap.Logger
}

func NewStore(dir string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{Dir: dir, Now: time.Now, Logger: logger.Named("artifacts")}
}

// Name is the file name used for prefix and ext at t.
func Name(prefix, ext string, t time.Time) string {
	return fmt.Sprintf("%s-%s.%s", prefix, t.Format(stampLayout), ext)
}

// Save writes data and returns the path written.
func (s *Store) Save(prefix, ext string, data []byte) (string, error) {
	if s == nil {
		return "", nil
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", fmt.Errorf("artifacts dir: %w", err)
	}
	path := filepath.Join(s.Dir, Name(prefix, ext, now()))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("save artifact: %w", err)
	}
	if s.Logger != nil {
		s.Logger.Debug("artifact saved", zap.String("path", path))
	}
	return path, nil
}
