package cli

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/absmach/flock/job"
	"github.com/absmach/flock/pkg/fl"
)

var jobsCmd = []cobra.Command{
	{
		Use:   "create",
		Short: "Create a training job",
		Long:  `Create a federated training job from flags and hyperparameters.`,
		Run: func(cmd *cobra.Command, args []string) {
			name, _ := cmd.Flags().GetString("name")
			targetRounds, _ := cmd.Flags().GetInt("target-rounds")
			minClients, _ := cmd.Flags().GetInt("min-clients")
			participation, _ := cmd.Flags().GetFloat64("participation")
			roundTimeoutS, _ := cmd.Flags().GetInt("round-timeout-s")
			trainingTimeoutS, _ := cmd.Flags().GetInt("training-timeout-s")
			strategy, _ := cmd.Flags().GetString("strategy")
			algorithm, _ := cmd.Flags().GetString("algorithm")
			tolerance, _ := cmd.Flags().GetInt("byzantine-tolerance")
			modelRef, _ := cmd.Flags().GetString("model-ref")

			if minClients <= 0 {
				logErrorCmd(*cmd, fmt.Errorf("min-clients is required"))
				return
			}

			hyperparams := make(map[string]interface{})
			if epochs, _ := cmd.Flags().GetInt("epochs"); epochs > 0 {
				hyperparams["epochs"] = epochs
			}
			if lr, _ := cmd.Flags().GetFloat64("learning-rate"); lr > 0 {
				hyperparams["lr"] = lr
			}
			if batchSize, _ := cmd.Flags().GetInt("batch-size"); batchSize > 0 {
				hyperparams["batch_size"] = batchSize
			}

			payload := map[string]interface{}{
				"name":                    name,
				"target_rounds":           targetRounds,
				"min_clients":             minClients,
				"participation_threshold": participation,
				"round_timeout_s":         roundTimeoutS,
				"training_timeout_s":      trainingTimeoutS,
				"selection":               map[string]interface{}{"strategy": strategy},
				"aggregation": map[string]interface{}{
					"algorithm":           algorithm,
					"byzantine_tolerance": tolerance,
				},
				"model_ref": modelRef,
			}
			if len(hyperparams) > 0 {
				payload["hyperparams"] = hyperparams
			}

			data, err := request(http.MethodPost, "/jobs", payload)
			if err != nil {
				logErrorCmd(*cmd, err)
				return
			}

			var j job.TrainingJob
			if err := unmarshalEntity(data, &j); err != nil {
				logErrorCmd(*cmd, err)
				return
			}

			logCreatedCmd(*cmd, j.ID)
			logJSONCmd(*cmd, j)
		},
	},
	{
		Use:   "get <job_id>",
		Short: "Get a training job",
		Long:  ``,
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 1 {
				logUsageCmd(*cmd, cmd.Use)
				return
			}

			var j job.TrainingJob
			if err := getEntity("/jobs/"+args[0], &j); err != nil {
				logErrorCmd(*cmd, err)
				return
			}

			logJSONCmd(*cmd, j)
		},
	},
	{
		Use:   "list",
		Short: "List training jobs",
		Long:  ``,
		Run: func(cmd *cobra.Command, args []string) {
			offset, _ := cmd.Flags().GetUint64("offset")
			limit, _ := cmd.Flags().GetUint64("limit")

			var page job.JobPage
			if err := getEntity(fmt.Sprintf("/jobs?offset=%d&limit=%d", offset, limit), &page); err != nil {
				logErrorCmd(*cmd, err)
				return
			}

			logJSONCmd(*cmd, page)
		},
	},
	{
		Use:   "start <job_id>",
		Short: "Start a training job",
		Long:  ``,
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 1 {
				logUsageCmd(*cmd, cmd.Use)
				return
			}

			if _, err := request(http.MethodPost, "/jobs/"+args[0]+"/start", nil); err != nil {
				logErrorCmd(*cmd, err)
				return
			}

			logOKCmd(*cmd, "job started")
		},
	},
	{
		Use:   "stop <job_id>",
		Short: "Stop a training job",
		Long:  ``,
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 1 {
				logUsageCmd(*cmd, cmd.Use)
				return
			}

			reason, _ := cmd.Flags().GetString("reason")

			payload := map[string]interface{}{}
			if reason != "" {
				payload["reason"] = reason
			}

			if _, err := request(http.MethodPost, "/jobs/"+args[0]+"/stop", payload); err != nil {
				logErrorCmd(*cmd, err)
				return
			}

			logOKCmd(*cmd, "job stopped")
		},
	},
	{
		Use:   "model <job_id>",
		Short: "Get the current global model of a job",
		Long:  ``,
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 1 {
				logUsageCmd(*cmd, cmd.Use)
				return
			}

			var m fl.Model
			if err := getEntity("/jobs/"+args[0]+"/model", &m); err != nil {
				logErrorCmd(*cmd, err)
				return
			}

			logJSONCmd(*cmd, m)
		},
	},
	{
		Use:   "rounds <job_id> [round]",
		Short: "List round results of a job, or get a single round",
		Long:  ``,
		Run: func(cmd *cobra.Command, args []string) {
			switch len(args) {
			case 1:
				offset, _ := cmd.Flags().GetUint64("offset")
				limit, _ := cmd.Flags().GetUint64("limit")

				var page map[string]interface{}
				if err := getEntity(fmt.Sprintf("/jobs/%s/rounds?offset=%d&limit=%d", args[0], offset, limit), &page); err != nil {
					logErrorCmd(*cmd, err)
					return
				}

				logJSONCmd(*cmd, page)
			case 2:
				var result fl.AggregationResult
				if err := getEntity(fmt.Sprintf("/jobs/%s/rounds/%s", args[0], args[1]), &result); err != nil {
					logErrorCmd(*cmd, err)
					return
				}

				logJSONCmd(*cmd, result)
			default:
				logUsageCmd(*cmd, cmd.Use)
			}
		},
	},
}

func NewJobsCmd() *cobra.Command {
	cmd := cobra.Command{
		Use:   "jobs",
		Short: "Federated training jobs",
		Long:  ``,
	}

	for i := range jobsCmd {
		cmd.AddCommand(&jobsCmd[i])
	}

	createCmd := &jobsCmd[0]
	createCmd.Flags().StringP("name", "n", "", "Job name (generated when empty)")
	createCmd.Flags().IntP("target-rounds", "r", 10, "Number of training rounds")
	createCmd.Flags().IntP("min-clients", "c", 0, "Minimum participating clients (required)")
	createCmd.Flags().Float64P("participation", "p", 1.0, "Fraction of selected clients required for quorum")
	createCmd.Flags().IntP("round-timeout-s", "t", 300, "Round timeout in seconds")
	createCmd.Flags().Int("training-timeout-s", 300, "Per-client training timeout in seconds")
	createCmd.Flags().StringP("strategy", "s", "random", "Client selection strategy (random, performance, data_quality, hybrid)")
	createCmd.Flags().StringP("algorithm", "a", "wfagg", "Aggregation algorithm (wfagg, krum, trimmed_mean, median)")
	createCmd.Flags().Int("byzantine-tolerance", 0, "Number of byzantine clients to tolerate")
	createCmd.Flags().StringP("model-ref", "m", "", "Model artifact OCI ref")
	createCmd.Flags().IntP("epochs", "e", 1, "Local training epochs")
	createCmd.Flags().Float64P("learning-rate", "l", 0.01, "Learning rate")
	createCmd.Flags().IntP("batch-size", "b", 16, "Batch size")

	listCmd := &jobsCmd[2]
	listCmd.Flags().Uint64P("offset", "o", 0, "List offset")
	listCmd.Flags().Uint64P("limit", "L", 100, "List limit")

	stopCmd := &jobsCmd[4]
	stopCmd.Flags().String("reason", "", "Reason for stopping the job")

	roundsCmd := &jobsCmd[6]
	roundsCmd.Flags().Uint64P("offset", "o", 0, "List offset")
	roundsCmd.Flags().Uint64P("limit", "L", 100, "List limit")

	return &cmd
}
