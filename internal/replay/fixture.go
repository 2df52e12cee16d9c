package replay

import (
	"encoding/json"
	"os"

	"github.com/cockroachdb/errors"
)

// #region fixture-types

// Fixture is the top-level JSON structure for a replay fixture: a named
// measurement trace fed deterministically through the full control core.
type Fixture struct {
	Name     string          `json:"name"`
	Setpoint float64         `json:"setpoint"`
	Samples  []FixtureSample `json:"samples"`
}

// FixtureSample is one timestamped measurement in the trace. Offsets are
// relative to the start of the run so fixtures stay clock-independent.
type FixtureSample struct {
	Parameter string  `json:"parameter"`
	Value     float64 `json:"value"`
	OffsetMS  int64   `json:"offset_ms"`
}

// Validate rejects fixtures that cannot drive a run.
func (f Fixture) Validate() error {
	if f.Name == "" {
		return errors.New("replay: fixture name is empty")
	}
	if len(f.Samples) == 0 {
		return errors.New("replay: fixture has no samples")
	}
	last := int64(-1)
	for i, s := range f.Samples {
		if s.Parameter == "" {
			return errors.Newf("replay: sample %d has no parameter", i)
		}
		if s.OffsetMS < last {
			return errors.Newf("replay: sample %d offset %dms out of order", i, s.OffsetMS)
		}
		last = s.OffsetMS
	}
	return nil
}

// #endregion fixture-types

// #region load-save

// LoadFixture reads and validates a fixture file.
func LoadFixture(path string) (Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Fixture{}, errors.Wrapf(err, "read fixture %s", path)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return Fixture{}, errors.Wrapf(err, "parse fixture %s", path)
	}
	if err := f.Validate(); err != nil {
		return Fixture{}, err
	}
	return f, nil
}

// SaveFixture writes a fixture as indented JSON.
func SaveFixture(path string, f Fixture) error {
	if err := f.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode fixture")
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return errors.Wrapf(err, "write fixture %s", path)
	}
	return nil
}

// #endregion load-save
