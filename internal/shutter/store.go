package shutter

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// Store persists the last known position of every shutter.
type Store interface {
	Load() (map[string]float64, error)
	Save(positions map[string]float64) error
}

// FileStore keeps positions in a JSON file. A missing file loads as empty.
type FileStore struct {
	Path string
}

func (s *FileStore) Load() (map[string]float64, error) {
	payload, err := os.ReadFile(s.Path)
	if os.IsNotExist(err) {
		return map[string]float64{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "%s: positions read failed", s.Path)
	}

	positions := map[string]float64{}
	if err := json.Unmarshal(payload, &positions); err != nil {
		return nil, errors.Wrapf(err, "%s: positions decode failed", s.Path)
	}

	return positions, nil
}

func (s *FileStore) Save(positions map[string]float64) error {
	payload, err := json.MarshalIndent(positions, "", "  ")
	if err != nil {
		return err
	}

	if err := os.WriteFile(s.Path, payload, 0o644); err != nil {
		return errors.Wrapf(err, "%s: positions write failed", s.Path)
	}

	return nil
}
