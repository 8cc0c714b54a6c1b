package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmehdipour/treesync/internal/app"
	"github.com/jmehdipour/treesync/internal/model"
	"github.com/jmehdipour/treesync/internal/repository"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Queue a handful of demo family-tree mutations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()
		ctx := context.Background()

		a, err := app.Open(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()

		fmt.Println(">> Seeding demo mutations...")
		n := 0
		for _, m := range demoMutations() {
			if _, err := a.Queue.Enqueue(ctx, m); err != nil {
				// reseeding is a no-op
				if errors.Is(err, repository.ErrDuplicateID) {
					continue
				}
				return fmt.Errorf("seed %s/%s: %w", m.Collection, m.DocumentID, err)
			}
			n++
		}
		fmt.Printf(">> Seed completed ✅ (%d queued)\n", n)
		return nil
	},
}

// demoMutations are deterministic so seeding twice is idempotent.
func demoMutations() []model.Mutation {
	person := func(id, name string, born int) model.Mutation {
		data, _ := json.Marshal(map[string]any{"name": name, "birthYear": born})
		return model.Mutation{
			ID:         "seed-person-" + id,
			Action:     model.ActionCreate,
			Collection: "persons",
			DocumentID: id,
			Data:       data,
			Metadata: model.EntryMetadata{
				EntityType:  "person",
				DisplayName: name,
				Description: "Add " + name,
			},
		}
	}
	rel := func(id, from, to, kind string) model.Mutation {
		data, _ := json.Marshal(map[string]any{"from": from, "to": to, "type": kind})
		return model.Mutation{
			ID:         "seed-rel-" + id,
			Action:     model.ActionCreate,
			Collection: "relationships",
			DocumentID: id,
			Data:       data,
			Metadata: model.EntryMetadata{
				EntityType:  "relationship",
				DisplayName: from + " → " + to,
				Description: "Link " + kind,
			},
		}
	}

	renamed, _ := json.Marshal(map[string]any{"name": "Ada King", "birthYear": 1815})
	return []model.Mutation{
		person("p1", "Ada Lovelace", 1815),
		person("p2", "George Byron", 1788),
		person("p3", "Anne Milbanke", 1792),
		rel("r1", "p2", "p1", "parent"),
		rel("r2", "p3", "p1", "parent"),
		{
			ID:         "seed-person-p1-rename",
			Action:     model.ActionUpdate,
			Collection: "persons",
			DocumentID: "p1",
			Data:       renamed,
			Metadata: model.EntryMetadata{
				EntityType:  "person",
				DisplayName: "Ada King",
				Description: "Rename Ada Lovelace",
			},
		},
	}
}
