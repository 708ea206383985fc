package payslip

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"hrmpay/internal/platform/crypto"
)

// Archive keeps a copy of every distributed payslip on disk, sealed with the
// data encryption key when one is configured.
type Archive struct {
	dir    string
	sealer *crypto.Sealer
}

func NewArchive(dir string, sealer *crypto.Sealer) *Archive {
	return &Archive{dir: dir, sealer: sealer}
}

// Store writes the document under <dir>/<tenant>/<period>/ and returns its path.
func (a *Archive) Store(tenantID string, doc Document) (string, error) {
	if a == nil || a.dir == "" {
		return "", nil
	}
	path := a.path(tenantID, doc)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}

	data := doc.Data
	if a.sealer.Configured() {
		sealed, err := a.sealer.Seal(doc.Data, doc.Filename)
		if err != nil {
			return "", fmt.Errorf("seal payslip: %w", err)
		}
		data = sealed
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

// Fetch returns the archived copy of doc. found is false when nothing was
// archived under the current key setting.
func (a *Archive) Fetch(tenantID string, doc Document) (data []byte, found bool, err error) {
	if a == nil || a.dir == "" {
		return nil, false, nil
	}
	data, err = a.Load(a.path(tenantID, doc))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Load reads back an archived document.
func (a *Archive) Load(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if filepath.Ext(path) == ".enc" {
		return a.sealer.Open(data, strings.TrimSuffix(filepath.Base(path), ".enc"))
	}
	return data, nil
}

func (a *Archive) path(tenantID string, doc Document) string {
	period := doc.Metadata["period"]
	if period == "" {
		period = "unknown"
	}
	name := doc.Filename
	if a.sealer.Configured() {
		name += ".enc"
	}
	return filepath.Join(a.dir, safeName(tenantID), safeName(period), name)
}
