// moniwatchctl - CLI tool for moniwatch
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/moniwatch/moniwatch/internal/models"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

var (
	serverURL string
	apiKey    string
	operator  string
	output    string
	timeout   time.Duration

	stdout io.Writer = os.Stdout
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "moniwatchctl",
		Short:   "moniwatch CLI - manage monitoring jobs, logs and chat groups",
		Version: fmt.Sprintf("%s (built %s)", Version, BuildTime),
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", envOr("MONIWATCH_SERVER", "http://localhost:8080"), "moniwatch server URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("MONIWATCH_API_KEY"), "Admin API key")
	rootCmd.PersistentFlags().StringVar(&operator, "operator", "", "Operator name sent when the server runs without auth")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "Output format (table, json, yaml)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")

	rootCmd.AddCommand(newJobCmd(), newLogCmd(), newPushCmd(), newChannelCmd())
	return rootCmd
}

func client() *apiClient {
	return newAPIClient(serverURL, apiKey, operator, timeout)
}

// Job commands

type jobView struct {
	models.Job
	Code    string     `json:"code"`
	NextRun *time.Time `json:"next_run,omitempty"`
}

func newJobCmd() *cobra.Command {
	jobCmd := &cobra.Command{
		Use:   "job",
		Short: "Manage monitoring jobs",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE:  listJobs,
	}
	listCmd.Flags().String("kind", "", "Filter by kind (api, elastic, sql, export)")
	listCmd.Flags().String("platform", "", "Filter by platform")
	listCmd.Flags().String("status", "", "Filter by status (enabled, paused)")

	createCmd := &cobra.Command{
		Use:   "create -f [file]",
		Short: "Create a job from a YAML or JSON definition",
		RunE:  createJob,
	}
	createCmd.Flags().StringP("file", "f", "", "Job definition file (YAML or JSON)")
	_ = createCmd.MarkFlagRequired("file")

	importCmd := &cobra.Command{
		Use:   "import -f [file]",
		Short: "Import a list of job definitions",
		RunE:  importJobs,
	}
	importCmd.Flags().StringP("file", "f", "", "File holding a list of job definitions")
	importCmd.Flags().Bool("update-support", false, "Update jobs that already exist")
	_ = importCmd.MarkFlagRequired("file")

	jobCmd.AddCommand(
		listCmd,
		&cobra.Command{
			Use:   "get [job-id]",
			Short: "Get job details",
			Args:  cobra.ExactArgs(1),
			RunE:  getJob,
		},
		createCmd,
		&cobra.Command{
			Use:   "delete [job-id]",
			Short: "Delete a job and its schedule",
			Args:  cobra.ExactArgs(1),
			RunE:  deleteJob,
		},
		&cobra.Command{
			Use:   "pause [job-id]",
			Short: "Stop scheduled firings of a job",
			Args:  cobra.ExactArgs(1),
			RunE:  lifecycle("pause", "Job paused"),
		},
		&cobra.Command{
			Use:   "resume [job-id]",
			Short: "Resume scheduled firings of a job",
			Args:  cobra.ExactArgs(1),
			RunE:  lifecycle("resume", "Job resumed"),
		},
		&cobra.Command{
			Use:   "run [job-id]",
			Short: "Fire a job once now",
			Args:  cobra.ExactArgs(1),
			RunE:  runJob,
		},
		importCmd,
	)
	return jobCmd
}

func listJobs(cmd *cobra.Command, args []string) error {
	kind, _ := cmd.Flags().GetString("kind")
	platform, _ := cmd.Flags().GetString("platform")
	status, _ := cmd.Flags().GetString("status")

	data, err := client().do("GET", "/api/v1/jobs", map[string]string{
		"kind":     kind,
		"platform": platform,
		"status":   status,
	}, nil)
	if err != nil {
		return err
	}

	var list struct {
		Jobs  []jobView `json:"jobs"`
		Total int       `json:"total"`
	}
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}

	if output != "table" {
		return printOutput(list.Jobs)
	}
	fmt.Fprintf(stdout, "Total: %d jobs\n\n", list.Total)
	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCODE\tNAME\tPLATFORM\tCRON\tSTATUS\tNEXT RUN")
	for _, j := range list.Jobs {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			j.ID, j.Code, j.Name(), j.Platform, j.CronExpression, j.Status, formatTime(j.NextRun))
	}
	return w.Flush()
}

func getJob(cmd *cobra.Command, args []string) error {
	data, err := client().do("GET", "/api/v1/jobs/"+args[0], nil, nil)
	if err != nil {
		return err
	}
	var job jobView
	if err := json.Unmarshal(data, &job); err != nil {
		return err
	}

	if output != "table" {
		return printOutput(job)
	}
	fmt.Fprintf(stdout, "ID:          %d\n", job.ID)
	fmt.Fprintf(stdout, "Code:        %s\n", job.Code)
	fmt.Fprintf(stdout, "Name:        %s\n", job.Name())
	fmt.Fprintf(stdout, "Kind:        %s\n", job.Kind)
	fmt.Fprintf(stdout, "Platform:    %s\n", job.Platform)
	fmt.Fprintf(stdout, "Cron:        %s\n", job.CronExpression)
	fmt.Fprintf(stdout, "Status:      %s\n", job.Status)
	switch job.Kind {
	case models.KindAPI:
		fmt.Fprintf(stdout, "URL:         %s %s (expect %d)\n", job.Target.Method, job.Target.URL, job.Target.ExpectedCode)
	case models.KindElastic:
		fmt.Fprintf(stdout, "Index:       %s\n", job.Target.Index)
	case models.KindCert:
		fmt.Fprintf(stdout, "Domain:      %s\n", job.Target.Domain)
	default:
		fmt.Fprintf(stdout, "Datasource:  %s\n", job.Target.Datasource)
	}
	if job.Target.MatchOperator != "" {
		fmt.Fprintf(stdout, "Match:       %s %s\n", job.Target.MatchOperator, job.Target.ExpectedResult)
	}
	fmt.Fprintf(stdout, "Alert:       %v (%s)\n", job.Alert.Enabled, job.Alert.ChannelRef)
	fmt.Fprintf(stdout, "Last Alert:  %s\n", formatTime(job.Alert.LastAlert))
	fmt.Fprintf(stdout, "Next Run:    %s\n", formatTime(job.NextRun))
	return nil
}

func createJob(cmd *cobra.Command, args []string) error {
	file, _ := cmd.Flags().GetString("file")
	def, err := loadDefinition(file)
	if err != nil {
		return err
	}

	data, err := client().do("POST", "/api/v1/jobs", nil, def)
	if err != nil {
		return err
	}
	var job jobView
	if err := json.Unmarshal(data, &job); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Job created: %s (%s)\n", job.Name(), job.Code)
	return nil
}

func importJobs(cmd *cobra.Command, args []string) error {
	file, _ := cmd.Flags().GetString("file")
	updateSupport, _ := cmd.Flags().GetBool("update-support")
	def, err := loadDefinition(file)
	if err != nil {
		return err
	}
	if _, ok := def.([]interface{}); !ok {
		return fmt.Errorf("%s must hold a list of job definitions", file)
	}

	data, reqErr := client().do("POST", "/api/v1/jobs/import", map[string]string{
		"update_support": strconv.FormatBool(updateSupport),
	}, def)
	if len(data) == 0 {
		return reqErr
	}

	var report struct {
		Created int `json:"created"`
		Updated int `json:"updated"`
		Skipped int `json:"skipped"`
		Failed  int `json:"failed"`
		Items   []struct {
			Index  int    `json:"index"`
			JobID  int64  `json:"job_id"`
			Name   string `json:"name"`
			Action string `json:"action"`
			Error  string `json:"error"`
		} `json:"items"`
	}
	if err := json.Unmarshal(data, &report); err != nil {
		return err
	}

	if output != "table" {
		if err := printOutput(report); err != nil {
			return err
		}
		return reqErr
	}
	fmt.Fprintf(stdout, "Created: %d  Updated: %d  Skipped: %d  Failed: %d\n\n",
		report.Created, report.Updated, report.Skipped, report.Failed)
	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tID\tNAME\tACTION\tERROR")
	for _, it := range report.Items {
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\n", it.Index, it.JobID, it.Name, it.Action, it.Error)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return reqErr
}

func deleteJob(cmd *cobra.Command, args []string) error {
	if _, err := client().do("DELETE", "/api/v1/jobs/"+args[0], nil, nil); err != nil {
		return err
	}
	fmt.Fprintln(stdout, "Job deleted")
	return nil
}

func lifecycle(action, message string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if _, err := client().do("POST", "/api/v1/jobs/"+args[0]+"/"+action, nil, nil); err != nil {
			return err
		}
		fmt.Fprintln(stdout, message)
		return nil
	}
}

func runJob(cmd *cobra.Command, args []string) error {
	data, err := client().do("POST", "/api/v1/jobs/"+args[0]+"/run", nil, nil)
	if err != nil {
		return err
	}
	var ack struct {
		JobID    int64  `json:"job_id"`
		Operator string `json:"operator"`
	}
	if err := json.Unmarshal(data, &ack); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Job %d triggered by %s\n", ack.JobID, ack.Operator)
	return nil
}

// Log commands

func newLogCmd() *cobra.Command {
	logCmd := &cobra.Command{
		Use:   "log",
		Short: "Inspect execution logs",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List execution logs, newest first",
		RunE:  listLogs,
	}
	listCmd.Flags().Int64("job-id", 0, "Filter by job ID")
	listCmd.Flags().String("kind", "", "Filter by job kind")
	listCmd.Flags().String("status", "", "Filter by status (success, fail, error)")
	listCmd.Flags().Int("limit", 50, "Maximum number of logs")

	cleanCmd := &cobra.Command{
		Use:   "clean",
		Short: "Delete all logs, or all logs of one kind",
		RunE:  cleanLogs,
	}
	cleanCmd.Flags().String("kind", "", "Only clean logs of this kind")

	logCmd.AddCommand(
		listCmd,
		&cobra.Command{
			Use:   "get [log-id]",
			Short: "Get an execution log",
			Args:  cobra.ExactArgs(1),
			RunE:  getLog,
		},
		cleanCmd,
	)
	return logCmd
}

func listLogs(cmd *cobra.Command, args []string) error {
	jobID, _ := cmd.Flags().GetInt64("job-id")
	kind, _ := cmd.Flags().GetString("kind")
	status, _ := cmd.Flags().GetString("status")
	limit, _ := cmd.Flags().GetInt("limit")

	query := map[string]string{
		"kind":   kind,
		"status": status,
		"limit":  strconv.Itoa(limit),
	}
	if jobID > 0 {
		query["job_id"] = strconv.FormatInt(jobID, 10)
	}

	data, err := client().do("GET", "/api/v1/logs", query, nil)
	if err != nil {
		return err
	}
	var list struct {
		Logs []models.ExecutionLog `json:"logs"`
	}
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}

	if output != "table" {
		return printOutput(list.Logs)
	}
	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tJOB\tSTARTED\tSECONDS\tSTATUS\tALERT\tRESULT")
	for _, l := range list.Logs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%v\t%s\n",
			shortID(l.ID), l.JobCode, formatTime(&l.StartTime), l.ExecuteSeconds, l.Status, l.AlertStatus, truncate(l.ExecuteResult, 40))
	}
	return w.Flush()
}

func getLog(cmd *cobra.Command, args []string) error {
	data, err := client().do("GET", "/api/v1/logs/"+args[0], nil, nil)
	if err != nil {
		return err
	}
	var l models.ExecutionLog
	if err := json.Unmarshal(data, &l); err != nil {
		return err
	}

	if output != "table" {
		return printOutput(l)
	}
	fmt.Fprintf(stdout, "ID:        %s\n", l.ID)
	fmt.Fprintf(stdout, "Job:       %s (%d)\n", l.JobCode, l.JobID)
	fmt.Fprintf(stdout, "Started:   %s\n", formatTime(&l.StartTime))
	fmt.Fprintf(stdout, "Ended:     %s\n", formatTime(&l.EndTime))
	fmt.Fprintf(stdout, "Status:    %s\n", l.Status)
	fmt.Fprintf(stdout, "Result:    %s\n", l.ExecuteResult)
	fmt.Fprintf(stdout, "Expected:  %s\n", l.ExpectedResult)
	fmt.Fprintf(stdout, "Alerted:   %v %s\n", l.AlertStatus, l.AlertOutcome)
	fmt.Fprintf(stdout, "Operator:  %s\n", l.Operator)
	if l.ExceptionLog != "" {
		fmt.Fprintf(stdout, "Error:     %s\n", truncate(l.ExceptionLog, 500))
	}
	return nil
}

func cleanLogs(cmd *cobra.Command, args []string) error {
	kind, _ := cmd.Flags().GetString("kind")
	data, err := client().do("POST", "/api/v1/logs/clean", map[string]string{"kind": kind}, nil)
	if err != nil {
		return err
	}
	var res struct {
		Deleted int `json:"deleted"`
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Deleted %d logs\n", res.Deleted)
	return nil
}

// Push commands

func newPushCmd() *cobra.Command {
	pushCmd := &cobra.Command{
		Use:   "push",
		Short: "Inspect webhook push records",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List push records, newest first",
		RunE:  listPushes,
	}
	listCmd.Flags().String("reporter", "", "Filter by reporter")
	listCmd.Flags().String("kind", "", "Filter by kind (push, callback)")
	listCmd.Flags().Int("limit", 50, "Maximum number of records")

	pushCmd.AddCommand(listCmd)
	return pushCmd
}

func listPushes(cmd *cobra.Command, args []string) error {
	reporter, _ := cmd.Flags().GetString("reporter")
	kind, _ := cmd.Flags().GetString("kind")
	limit, _ := cmd.Flags().GetInt("limit")

	data, err := client().do("GET", "/api/v1/pushes", map[string]string{
		"reporter": reporter,
		"kind":     kind,
		"limit":    strconv.Itoa(limit),
	}, nil)
	if err != nil {
		return err
	}
	var list struct {
		Pushes []models.PushRecord `json:"pushes"`
	}
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}

	if output != "table" {
		return printOutput(list.Pushes)
	}
	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tTYPE\tREPORTER\tCREATED\tRESULTS")
	for _, p := range list.Pushes {
		ok := 0
		for _, r := range p.Results {
			if r.OK {
				ok++
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d/%d ok\n",
			shortID(p.ID), p.Kind, p.Type, p.Reporter, formatTime(&p.CreatedAt), ok, len(p.Results))
	}
	return w.Flush()
}

// Channel commands

func newChannelCmd() *cobra.Command {
	channelCmd := &cobra.Command{
		Use:   "channel",
		Short: "Manage chat-group channels",
	}

	channelCmd.AddCommand(
		&cobra.Command{
			Use:   "get [ref]",
			Short: "Show a chat group (token masked)",
			Args:  cobra.ExactArgs(1),
			RunE:  getChannel,
		},
		&cobra.Command{
			Use:   "set [ref] [token;chatId]",
			Short: "Configure a chat group",
			Args:  cobra.ExactArgs(2),
			RunE:  setChannel,
		},
		&cobra.Command{
			Use:   "delete [ref]",
			Short: "Remove a chat group",
			Args:  cobra.ExactArgs(1),
			RunE:  deleteChannel,
		},
	)
	return channelCmd
}

func getChannel(cmd *cobra.Command, args []string) error {
	data, err := client().do("GET", "/api/v1/channels/"+args[0], nil, nil)
	if err != nil {
		return err
	}
	var ch struct {
		Ref     string `json:"ref"`
		Token   string `json:"token"`
		ChatID  string `json:"chat_id"`
		Webhook bool   `json:"webhook_only"`
	}
	if err := json.Unmarshal(data, &ch); err != nil {
		return err
	}

	if output != "table" {
		return printOutput(ch)
	}
	fmt.Fprintf(stdout, "Ref:      %s\n", ch.Ref)
	fmt.Fprintf(stdout, "Token:    %s\n", ch.Token)
	fmt.Fprintf(stdout, "Chat ID:  %s\n", ch.ChatID)
	fmt.Fprintf(stdout, "Webhook:  %v\n", ch.Webhook)
	return nil
}

func setChannel(cmd *cobra.Command, args []string) error {
	if _, err := client().do("PUT", "/api/v1/channels/"+args[0], nil, map[string]string{"value": args[1]}); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Channel %s configured\n", args[0])
	return nil
}

func deleteChannel(cmd *cobra.Command, args []string) error {
	if _, err := client().do("DELETE", "/api/v1/channels/"+args[0], nil, nil); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Channel %s deleted\n", args[0])
	return nil
}

// Output helpers

func printOutput(data interface{}) error {
	switch output {
	case "json":
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case "yaml":
		// Round-trip through JSON so field names follow the API.
		raw, err := json.Marshal(data)
		if err != nil {
			return err
		}
		var generic interface{}
		if err := json.Unmarshal(raw, &generic); err != nil {
			return err
		}
		return yaml.NewEncoder(stdout).Encode(generic)
	default:
		return fmt.Errorf("unknown output format %q", output)
	}
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
