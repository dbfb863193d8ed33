package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/mhpenta/ingestq/cmd/ingestq/commands"
)

func envFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "env",
		Usage: "environment file path",
		Value: ".env",
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "ingestq",
		Usage: "channel feed polling, video ingestion and job queue operations",
		Commands: []*cli.Command{
			{
				Name:   "migrate",
				Usage:  "apply the database schema",
				Flags:  []cli.Flag{envFlag()},
				Action: commands.MigrateAction,
			},
			{
				Name:   "worker",
				Usage:  "run job handlers",
				Flags:  []cli.Flag{envFlag()},
				Action: commands.WorkerAction,
			},
			{
				Name:  "poller",
				Usage: "poll channel feeds and enqueue new videos",
				Flags: []cli.Flag{
					envFlag(),
					&cli.BoolFlag{
						Name:  "once",
						Usage: "run a single poll cycle and print the outcomes",
					},
				},
				Action: commands.PollerAction,
			},
			{
				Name:   "scheduler",
				Usage:  "schedule periodic channel statistics refreshes",
				Flags:  []cli.Flag{envFlag()},
				Action: commands.SchedulerAction,
			},
			{
				Name:  "serve",
				Usage: "run the admin API",
				Flags: []cli.Flag{
					envFlag(),
					&cli.BoolFlag{
						Name:  "all",
						Usage: "also run the worker, poller and scheduler in this process",
					},
					&cli.BoolFlag{
						Name:  "migrate",
						Usage: "apply the database schema before starting",
					},
				},
				Action: commands.ServeAction,
			},
			{
				Name:  "jobs",
				Usage: "inspect and manage jobs",
				Commands: []*cli.Command{
					{
						Name:  "list",
						Usage: "list jobs",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringSliceFlag{
								Name:  "status",
								Usage: "filter by status (repeatable)",
							},
							&cli.StringFlag{
								Name:  "type",
								Usage: "filter by job type",
							},
							&cli.BoolFlag{
								Name:  "failed",
								Usage: "list dead letter jobs and jobs awaiting retry",
							},
							&cli.IntFlag{
								Name:  "limit",
								Usage: "maximum number of jobs",
								Value: 50,
							},
							&cli.IntFlag{
								Name:  "offset",
								Usage: "number of jobs to skip",
							},
						},
						Action: commands.JobsListAction,
					},
					{
						Name:  "show",
						Usage: "show a job and its events",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:     "id",
								Usage:    "job id",
								Required: true,
							},
						},
						Action: commands.JobsShowAction,
					},
					{
						Name:  "count",
						Usage: "count jobs per status",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:  "type",
								Usage: "filter by job type",
							},
						},
						Action: commands.JobsCountAction,
					},
					{
						Name:  "accept",
						Usage: "mark a dead letter job as completed",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:     "id",
								Usage:    "job id",
								Required: true,
							},
						},
						Action: commands.JobsAcceptAction,
					},
					{
						Name:  "cleanup",
						Usage: "delete old completed jobs",
						Flags: []cli.Flag{
							envFlag(),
							&cli.DurationFlag{
								Name:  "older-than",
								Usage: "minimum age (defaults to INGESTQ_QUEUE_CLEANUP_AFTER)",
							},
						},
						Action: commands.JobsCleanupAction,
					},
					{
						Name:      "ingest",
						Usage:     "enqueue ingestion of video ids",
						ArgsUsage: "VIDEO_ID...",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:  "channel",
								Usage: "channel the videos belong to",
							},
							&cli.IntFlag{
								Name:  "priority",
								Usage: "job priority (lower runs first)",
								Value: 50,
							},
						},
						Action: commands.JobsIngestAction,
					},
					{
						Name:      "refresh-stats",
						Usage:     "enqueue statistics refreshes for video ids",
						ArgsUsage: "VIDEO_ID...",
						Flags: []cli.Flag{
							envFlag(),
							&cli.IntFlag{
								Name:  "priority",
								Usage: "job priority (lower runs first)",
								Value: 150,
							},
						},
						Action: commands.JobsRefreshStatsAction,
					},
				},
			},
			{
				Name:  "feeds",
				Usage: "manage channel feeds",
				Commands: []*cli.Command{
					{
						Name:   "list",
						Usage:  "list feeds",
						Flags:  []cli.Flag{envFlag()},
						Action: commands.FeedsListAction,
					},
					{
						Name:  "add",
						Usage: "register a channel feed",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:     "channel",
								Usage:    "channel id",
								Required: true,
							},
							&cli.StringFlag{
								Name:  "url",
								Usage: "custom feed URL (defaults to the channel's native feed)",
							},
							&cli.IntFlag{
								Name:  "interval",
								Usage: "poll interval in minutes",
							},
						},
						Action: commands.FeedsAddAction,
					},
					{
						Name:  "enable",
						Usage: "enable a feed and reset its failures",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:     "channel",
								Usage:    "channel id",
								Required: true,
							},
						},
						Action: commands.FeedsSetActiveAction(true),
					},
					{
						Name:  "disable",
						Usage: "disable a feed",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:     "channel",
								Usage:    "channel id",
								Required: true,
							},
						},
						Action: commands.FeedsSetActiveAction(false),
					},
				},
			},
			{
				Name:  "rules",
				Usage: "manage categorization rules",
				Commands: []*cli.Command{
					{
						Name:   "list",
						Usage:  "list rules",
						Flags:  []cli.Flag{envFlag()},
						Action: commands.RulesListAction,
					},
					{
						Name:  "add",
						Usage: "create or update a rule",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:  "id",
								Usage: "rule id to update (generated when empty)",
							},
							&cli.StringFlag{
								Name:     "name",
								Usage:    "rule name",
								Required: true,
							},
							&cli.StringFlag{
								Name:     "category",
								Usage:    "category assigned on match",
								Required: true,
							},
							&cli.IntFlag{
								Name:  "priority",
								Usage: "evaluation order (lower first)",
								Value: 100,
							},
							&cli.StringSliceFlag{
								Name:  "condition",
								Usage: "key=value condition (repeatable)",
							},
							&cli.BoolFlag{
								Name:  "inactive",
								Usage: "save the rule disabled",
							},
							&cli.BoolFlag{
								Name:  "force",
								Usage: "save even when the rule cannot match",
							},
						},
						Action: commands.RulesAddAction,
					},
					{
						Name:  "delete",
						Usage: "delete a rule",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:     "id",
								Usage:    "rule id",
								Required: true,
							},
						},
						Action: commands.RulesDeleteAction,
					},
				},
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
