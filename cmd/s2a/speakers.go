package main

import (
	"fmt"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/example/go-s2a/internal/dataset"
	"github.com/example/go-s2a/internal/s2a"
)

func newSpeakersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "speakers <shard-spec>...",
		Short: "Print the speaker map built from shard sidecars",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			var shards []string

			for _, spec := range args {
				s, err := dataset.ShardGlob(spec)
				if err != nil {
					return err
				}

				shards = append(shards, s...)
			}

			m, err := dataset.LoadSpeakerMap(shards)
			if err != nil {
				return err
			}

			for _, id := range sortedSpeakers(m) {
				if _, err := fmt.Fprintf(os.Stdout, "%d\t%s\n", m[id], id); err != nil {
					return err
				}
			}

			return nil
		},
	}
}

func sortedSpeakers(m s2a.SpeakerMap) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}

	slices.SortFunc(ids, func(a, b string) int { return m[a] - m[b] })

	return ids
}
