package main

import (
	"encoding/json"
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/go-s2a/internal/s2a"
)

type inspectReport struct {
	Path     string             `json:"path"`
	Config   s2a.Config         `json:"config"`
	Tunables s2a.Tunables       `json:"tunables"`
	Params   int                `json:"params"`
	Speakers []string           `json:"speakers"`
	Training *s2a.TrainingState `json:"training,omitempty"`
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect [checkpoint]",
		Short: "Print the config, tunables and speaker map of a model file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			path := cfg.Paths.ModelPath
			if len(args) == 1 {
				path = args[0]
			}

			report, err := inspectModel(path)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")

			return enc.Encode(report)
		},
	}
}

func inspectModel(path string) (inspectReport, error) {
	m, state, err := s2a.LoadTraining(path)

	var training *s2a.TrainingState

	switch {
	case err == nil:
		training = &state
	case errors.Is(err, s2a.ErrNotCheckpoint):
		if m, err = s2a.Load(path); err != nil {
			return inspectReport{}, err
		}
	default:
		return inspectReport{}, err
	}

	return inspectReport{
		Path:     path,
		Config:   m.Config,
		Tunables: m.Tunables,
		Params:   m.Params().Count(),
		Speakers: sortedSpeakers(m.Speakers),
		Training: training,
	}, nil
}
