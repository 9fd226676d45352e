package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/roleplay-eval/internal/rubric"
)

var rubricCmd = &cobra.Command{
	Use:   "rubric",
	Short: "Manage scene rubrics",
}

var rubricImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Upsert scenes and criteria from a YAML seed file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		seed, err := rubric.LoadSeedFile(args[0])
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		st, err := openStore(ctx, cfg, "rubric")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		stats, err := rubric.Import(ctx, st, seed)
		if err != nil {
			return err
		}

		zap.L().Info("rubric import complete",
			zap.String("file", args[0]),
			zap.Int("scenes", stats.Scenes),
			zap.Int("criteria", stats.Criteria),
		)
		fmt.Fprintf(cmd.OutOrStdout(), "imported %d scenes, %d criteria\n", stats.Scenes, stats.Criteria)
		return nil
	},
}

var rubricShowCmd = &cobra.Command{
	Use:   "show <sceneId>",
	Short: "Print the merged rubric for a scene",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx, cfg, "rubric")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		r, scene, err := newAggregator(st, cfg).Build(ctx, args[0])
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if scene.Name != "" {
			fmt.Fprintf(out, "Scene: %s (%s)\n", scene.Name, scene.ID)
		} else {
			fmt.Fprintf(out, "Scene: %s\n", scene.ID)
		}
		for i, c := range r.Criteria {
			fmt.Fprintf(out, "%2d. [%s] %s (max %d) id=%s\n", i+1, c.Source, c.Label, c.MaxScore, c.ID)
		}
		return nil
	},
}

func init() {
	rubricCmd.AddCommand(rubricImportCmd)
	rubricCmd.AddCommand(rubricShowCmd)
	rootCmd.AddCommand(rubricCmd)
}
