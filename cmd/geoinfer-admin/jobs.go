package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/target/geoinfer-api/internal/domain/model"
	"github.com/target/geoinfer-api/internal/service"
)

type listJobsOptions struct {
	Query   string
	RawJSON bool
}

func parseListJobsFlags(args []string) (listJobsOptions, error) {
	fs := flag.NewFlagSet("list-jobs", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts listJobsOptions
	fs.StringVar(&opts.Query, "query", "", "JMESPath expression applied to the job list")
	fs.BoolVar(&opts.RawJSON, "json", false, "Print jobs as JSON instead of a table")

	if err := fs.Parse(args); err != nil {
		return listJobsOptions{}, err
	}
	opts.Query = strings.TrimSpace(opts.Query)
	return opts, nil
}

// jobIDArg accepts the job id either as the first positional argument or as --job-id.
func jobIDArg(name string, args []string) (string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	jobID := fs.String("job-id", "", "Job ID (may also be given positionally)")
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	id := strings.TrimSpace(*jobID)
	if id == "" && fs.NArg() > 0 {
		id = strings.TrimSpace(fs.Arg(0))
	}
	if id == "" {
		return "", errors.New("a job id is required")
	}
	return id, nil
}

func withJobService(cmdCtx *commandContext, fn func(*service.JobService) error) error {
	store, err := openStore(cmdCtx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			cmdCtx.Logger.Warn("close job store failed", "error", cerr)
		}
	}()

	svc, err := service.NewJobService(service.JobServiceOptions{Repo: store.Jobs, Logger: cmdCtx.Logger})
	if err != nil {
		return err
	}
	return fn(svc)
}

func runListJobs(cmdCtx *commandContext, args []string) error {
	opts, err := parseListJobsFlags(args)
	if err != nil {
		return err
	}

	return withJobService(cmdCtx, func(svc *service.JobService) error {
		if opts.Query != "" {
			out, qErr := svc.Query(cmdCtx.Ctx, opts.Query)
			if qErr != nil {
				return qErr
			}
			return writeJSON(cmdCtx.Out, out)
		}
		jobs, listErr := svc.List(cmdCtx.Ctx)
		if listErr != nil {
			return listErr
		}
		if opts.RawJSON {
			return writeJSON(cmdCtx.Out, jobs)
		}
		return renderJobs(cmdCtx.Out, jobs)
	})
}

func runGetJob(cmdCtx *commandContext, args []string) error {
	id, err := jobIDArg("get-job", args)
	if err != nil {
		return err
	}
	return withJobService(cmdCtx, func(svc *service.JobService) error {
		job, getErr := svc.Get(cmdCtx.Ctx, id)
		if getErr != nil {
			return getErr
		}
		return writeJSON(cmdCtx.Out, job)
	})
}

func runAttempts(cmdCtx *commandContext, args []string) error {
	id, err := jobIDArg("attempts", args)
	if err != nil {
		return err
	}
	return withJobService(cmdCtx, func(svc *service.JobService) error {
		attempts, aErr := svc.Attempts(cmdCtx.Ctx, id)
		if aErr != nil {
			return aErr
		}
		return renderAttempts(cmdCtx.Out, id, attempts)
	})
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}

func renderJobs(w io.Writer, jobs []*model.Job) error {
	if len(jobs) == 0 {
		return writeln(w, "No jobs found.")
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if err := writeln(tw, "JOB ID\tSTATUS\tPROGRESS\tFILES\tWEBHOOK\tCREATED"); err != nil {
		return err
	}
	for _, j := range jobs {
		if err := writef(tw, "%s\t%s\t%d%%\t%d/%d\t%s\t%s\n",
			j.ID,
			j.Status,
			j.Progress,
			j.ProcessedFiles,
			j.TotalFiles,
			webhookSummary(j),
			j.CreatedAt.UTC().Format(time.RFC3339),
		); err != nil {
			return err
		}
	}
	return tw.Flush()
}

func webhookSummary(j *model.Job) string {
	switch {
	case !j.HasNotificationTarget():
		return "-"
	case j.WebhookDeliveredAt != nil:
		return "delivered (" + strconv.Itoa(j.WebhookAttempts) + " attempts)"
	case j.WebhookAttempts > 0:
		return "failed (" + strconv.Itoa(j.WebhookAttempts) + " attempts)"
	default:
		return "pending"
	}
}

func renderAttempts(w io.Writer, jobID string, attempts []model.WebhookAttempt) error {
	if len(attempts) == 0 {
		return writef(w, "No webhook attempts recorded for job %s.\n", jobID)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if err := writeln(tw, "ATTEMPT\tSTATUS\tDELIVERED\tERROR\tAT"); err != nil {
		return err
	}
	for _, a := range attempts {
		status := "-"
		if a.StatusCode != nil {
			status = strconv.Itoa(*a.StatusCode)
		}
		errText := "-"
		if a.Error != nil && *a.Error != "" {
			errText = *a.Error
		}
		if err := writef(tw, "%d\t%s\t%t\t%s\t%s\n",
			a.AttemptNumber, status, a.Delivered, errText, a.AttemptedAt.UTC().Format(time.RFC3339)); err != nil {
			return err
		}
	}
	return tw.Flush()
}
