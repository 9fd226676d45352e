package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/roleplay-eval/internal/model"
	"github.com/sells-group/roleplay-eval/internal/monitoring"
)

var (
	evalRecording      string
	evalScene          string
	evalTranscriptFile string
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate one transcript and store the result",
	RunE: func(cmd *cobra.Command, args []string) error {
		transcript, err := os.ReadFile(evalTranscriptFile)
		if err != nil {
			return eris.Wrapf(err, "read transcript %s", evalTranscriptFile)
		}

		ctx := cmd.Context()
		env, err := initApp(ctx, cfg, "evaluate", monitoring.Nop{})
		if err != nil {
			return err
		}
		defer env.Close()

		if secs := cfg.Server.EvaluationTimeoutSecs; secs > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(secs)*time.Second)
			defer cancel()
		}

		res, err := env.Service.Evaluate(ctx, model.EvaluationRequest{
			RecordingID: evalRecording,
			SceneID:     evalScene,
			Transcript:  string(transcript),
		})
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

var showRecording string

var evaluationShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the stored evaluation of a recording",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx, cfg, "show")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		ev, err := st.GetEvaluationByRecording(ctx, showRecording)
		if err != nil {
			return err
		}
		if ev == nil {
			return eris.Errorf("no evaluation for recording %s", showRecording)
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(ev)
	},
}

func init() {
	evaluateCmd.Flags().StringVar(&evalRecording, "recording", "", "recording id")
	evaluateCmd.Flags().StringVar(&evalScene, "scene", "", "scene id")
	evaluateCmd.Flags().StringVar(&evalTranscriptFile, "transcript-file", "", "path to the transcript text")
	_ = evaluateCmd.MarkFlagRequired("recording")
	_ = evaluateCmd.MarkFlagRequired("scene")
	_ = evaluateCmd.MarkFlagRequired("transcript-file")

	evaluationShowCmd.Flags().StringVar(&showRecording, "recording", "", "recording id")
	_ = evaluationShowCmd.MarkFlagRequired("recording")
	evaluateCmd.AddCommand(evaluationShowCmd)

	rootCmd.AddCommand(evaluateCmd)
}
