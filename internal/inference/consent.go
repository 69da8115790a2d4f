package inference

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gocv.io/x/gocv"
)

// ConsentStore archives original uploads the patient consented to share,
// for later dataset curation. Failures are reported but never fail the
// prediction that triggered them.
type ConsentStore struct {
	dir string
	log *slog.Logger

	// now is swappable in tests for stable filenames.
	now func() time.Time
}

// NewConsentStore creates a store writing under dir.
func NewConsentStore(dir string, log *slog.Logger) *ConsentStore {
	return &ConsentStore{dir: dir, log: log, now: time.Now}
}

// Save writes the RGB raster as a PNG named after the prediction context,
// returning the written path.
func (s *ConsentStore) Save(rgb gocv.Mat, label string, confidence float64, modelName string) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("consent: create dir: %w", err)
	}

	ts := s.now().UTC().Format("20060102T150405Z")
	safeModel := strings.ReplaceAll(modelName, "/", "-")
	name := fmt.Sprintf("%s_%s_%s_%.3f_%s.png", ts, safeModel, label, confidence, uuid.NewString()[:8])
	path := filepath.Join(s.dir, name)

	bgr := gocv.NewMat()
	defer bgr.Close()
	gocv.CvtColor(rgb, &bgr, gocv.ColorRGBToBGR)

	if ok := gocv.IMWrite(path, bgr); !ok {
		return "", fmt.Errorf("consent: write %s failed", path)
	}

	s.log.Info("stored consented upload", "path", path, "model", modelName)
	return path, nil
}
