package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/mhpenta/ingestq"
	"github.com/mhpenta/ingestq/feed"
	"github.com/mhpenta/ingestq/ingest"
)

// JobsListAction prints jobs, most recently updated first.
var JobsListAction = withApp(func(ctx context.Context, cmd *cli.Command, app *AppContext) error {
	var statuses []ingestq.Status
	for _, s := range cmd.StringSlice("status") {
		statuses = append(statuses, ingestq.Status(s))
	}

	var (
		jobs []ingestq.Job
		err  error
	)
	if cmd.Bool("failed") {
		jobs, err = app.Backend.ListFailedJobs(ctx, cmd.String("type"), cmd.Int("limit"), cmd.Int("offset"))
	} else {
		jobs, err = app.Backend.ListJobs(ctx, ingestq.JobFilter{
			Statuses: statuses,
			JobType:  cmd.String("type"),
			Limit:    cmd.Int("limit"),
			Offset:   cmd.Int("offset"),
		})
	}
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}
	if len(jobs) == 0 {
		fmt.Println("no jobs")
		return nil
	}
	renderJobsTable(jobs)
	return nil
})

// JobsShowAction prints one job and its event history.
var JobsShowAction = withApp(func(ctx context.Context, cmd *cli.Command, app *AppContext) error {
	id := cmd.String("id")
	job, err := app.Backend.GetJob(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}
	events, err := app.Backend.ListEvents(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to list events: %w", err)
	}
	renderJobDetail(job, events)
	return nil
})

// JobsCountAction prints the number of jobs per status.
var JobsCountAction = withApp(func(ctx context.Context, cmd *cli.Command, app *AppContext) error {
	counts, err := app.Backend.CountByStatus(ctx, cmd.String("type"))
	if err != nil {
		return fmt.Errorf("failed to count jobs: %w", err)
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Status", "Jobs")
	for _, st := range []ingestq.Status{ingestq.StatusPending, ingestq.StatusInProgress, ingestq.StatusCompleted, ingestq.StatusDeadLetter} {
		table.Append(string(st), fmt.Sprintf("%d", counts[st]))
	}
	table.Render()
	return nil
})

// JobsAcceptAction moves a dead_letter job to completed.
var JobsAcceptAction = withApp(func(ctx context.Context, cmd *cli.Command, app *AppContext) error {
	id := cmd.String("id")
	if err := app.Backend.AcceptDeadLetter(ctx, id); err != nil {
		return fmt.Errorf("failed to accept job %s: %w", id, err)
	}
	fmt.Printf("job %s accepted\n", id)
	return nil
})

// JobsCleanupAction deletes completed jobs older than --older-than.
var JobsCleanupAction = withApp(func(ctx context.Context, cmd *cli.Command, app *AppContext) error {
	age := cmd.Duration("older-than")
	if age <= 0 {
		age = app.Config.Queue.CleanupAfter
	}
	n, err := app.Backend.CleanupCompletedJobs(ctx, time.Now().Add(-age))
	if err != nil {
		return fmt.Errorf("failed to clean up jobs: %w", err)
	}
	fmt.Printf("deleted %d completed jobs\n", n)
	return nil
})

// JobsIngestAction enqueues an INGEST_VIDEO job for each video id argument.
var JobsIngestAction = withApp(func(ctx context.Context, cmd *cli.Command, app *AppContext) error {
	ids := cmd.Args().Slice()
	if len(ids) == 0 {
		return fmt.Errorf("at least one video id is required")
	}
	queue := app.Queue()
	for _, id := range ids {
		payload, err := marshalJSON(feed.ItemPayload{VideoID: id, ChannelID: cmd.String("channel")})
		if err != nil {
			return err
		}
		jobID, err := queue.Enqueue(ctx, ingestq.JobTypeIngestVideo, payload,
			ingestq.WithDedupKey(id), ingestq.WithPriority(cmd.Int("priority")))
		if err != nil {
			return fmt.Errorf("failed to enqueue %s: %w", id, err)
		}
		fmt.Printf("%s\t%s\n", id, jobID)
	}
	return nil
})

// JobsRefreshStatsAction enqueues statistics refreshes for video ids.
var JobsRefreshStatsAction = withApp(func(ctx context.Context, cmd *cli.Command, app *AppContext) error {
	ids := cmd.Args().Slice()
	if len(ids) == 0 {
		return fmt.Errorf("at least one video id is required")
	}
	jobIDs, err := ingest.EnqueueVideoStatsRefresh(ctx, app.Queue(), ids, ingestq.WithPriority(cmd.Int("priority")))
	if err != nil {
		return err
	}
	fmt.Println(strings.Join(jobIDs, "\n"))
	return nil
})

func renderJobsTable(jobs []ingestq.Job) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Type", "Status", "Priority", "Attempts", "Available At", "Updated At", "Last Error")
	for _, j := range jobs {
		table.Append(
			j.ID,
			j.JobType,
			string(j.Status),
			fmt.Sprintf("%d", j.Priority),
			fmt.Sprintf("%d/%d", j.AttemptCount, j.MaxAttempts),
			j.AvailableAt.Format(time.DateTime),
			j.UpdatedAt.Format(time.DateTime),
			truncate(j.LastError, 40),
		)
	}
	table.Render()
}

func renderJobDetail(job ingestq.Job, events []ingestq.JobEvent) {
	fmt.Printf("ID:            %s\n", job.ID)
	fmt.Printf("Type:          %s\n", job.JobType)
	fmt.Printf("Status:        %s\n", job.Status)
	fmt.Printf("Priority:      %d\n", job.Priority)
	fmt.Printf("Attempts:      %d/%d\n", job.AttemptCount, job.MaxAttempts)
	if job.DedupKey != "" {
		fmt.Printf("Dedup Key:     %s\n", job.DedupKey)
	}
	if job.LeasedBy != "" {
		fmt.Printf("Leased By:     %s until %s\n", job.LeasedBy, job.LeaseExpiresAt.Format(time.RFC3339))
	}
	fmt.Printf("Available At:  %s\n", job.AvailableAt.Format(time.RFC3339))
	fmt.Printf("Created At:    %s\n", job.CreatedAt.Format(time.RFC3339))
	if job.LastError != "" {
		fmt.Printf("Last Error:    %s\n", job.LastError)
	}
	fmt.Printf("Payload:       %s\n\n", job.Payload)

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("At", "Status", "Attempt", "Duration", "Error", "Metadata")
	for _, e := range events {
		table.Append(
			e.CreatedAt.Format(time.DateTime),
			string(e.Status),
			fmt.Sprintf("%d", e.AttemptNumber),
			(time.Duration(e.DurationMS) * time.Millisecond).String(),
			truncate(e.ErrorMessage, 40),
			string(e.Metadata),
		)
	}
	table.Render()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
