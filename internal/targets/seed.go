package targets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

type seedFile struct {
	Targets []map[string]any `yaml:"targets"`
}

// Seed creates the targets listed in a YAML file when the catalog is empty.
// Every entry is validated before any is written, so a bad file leaves the
// catalog empty. It returns how many targets were created.
//
//	targets:
//	  - url: http://example.com
//	    value: "0.50"
//	    maxAcceptsPerDay: 10
//	    accept:
//	      geoState: {in: [ca, ny]}
func Seed(ctx context.Context, repo *Repository, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open seed file %s: %w", path, err)
	}
	defer f.Close()

	var seed seedFile
	if err := yaml.NewDecoder(f).Decode(&seed); err != nil {
		return 0, fmt.Errorf("decode seed file %s: %w", path, err)
	}

	existing, err := repo.ListAll(ctx)
	if err != nil {
		return 0, err
	}
	if len(existing) > 0 {
		log.Info().Int("targets", len(existing)).Msg("catalog not empty; seed skipped")
		return 0, nil
	}

	inputs := make([]Input, 0, len(seed.Targets))
	for i, item := range seed.Targets {
		body, err := json.Marshal(item)
		if err != nil {
			return 0, fmt.Errorf("seed target %d: %w", i, err)
		}
		in, err := ParseInput(body)
		if err == nil {
			err = in.validateCreate()
		}
		if err != nil {
			return 0, fmt.Errorf("seed target %d: %w", i, err)
		}
		inputs = append(inputs, in)
	}

	created := 0
	for i, in := range inputs {
		if _, err := repo.Create(ctx, in); err != nil {
			return created, fmt.Errorf("seed target %d: %w", i, err)
		}
		created++
	}
	log.Info().Int("created", created).Str("file", path).Msg("targets seeded")
	return created, nil
}
