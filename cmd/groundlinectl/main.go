// groundlinectl is the operator CLI: inspect leads and queues, re-drive
// dead-lettered jobs and verify the CRM sync audit chain.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/redis/go-redis/v9"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/groundline/groundline/pkg/config"
	"github.com/groundline/groundline/pkg/ingest"
	"github.com/groundline/groundline/pkg/lead"
	"github.com/groundline/groundline/pkg/queue"
	"github.com/groundline/groundline/pkg/store"
)

const usage = `Usage: groundlinectl [-config <file>] <command> [args]

Commands:
  ingest <email> <campaign-id> [name]   create a lead and enqueue it
  enqueue <lead-id>                     enqueue a processing job for a lead
  lead show <lead-id>                   print a lead as JSON
  lead audit <lead-id>                  print the lead's CRM sync log
  queue stats                           show queue and DLQ depths
  dlq list                              list dead-lettered jobs
  dlq requeue [--max <n>]               move DLQ entries back to the queue
  audit verify                          verify the sync log hash chain
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "groundlinectl:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := flag.NewFlagSet("groundlinectl", flag.ExitOnError)
	configPath := flags.String("config", "", "path to a YAML config profile")
	flags.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	if err := flags.Parse(args); err != nil {
		return err
	}
	rest := flags.Args()
	if len(rest) == 0 {
		flags.Usage()
		return errors.New("missing command")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	app, err := connect(cfg)
	if err != nil {
		return err
	}
	defer app.close()

	switch rest[0] {
	case "ingest":
		return app.ingest(ctx, rest[1:])
	case "enqueue":
		return app.enqueue(ctx, rest[1:])
	case "lead":
		return app.lead(ctx, rest[1:])
	case "queue":
		return app.queueStats(ctx, rest[1:])
	case "dlq":
		return app.dlq(ctx, rest[1:])
	case "audit":
		return app.audit(ctx, rest[1:])
	default:
		flags.Usage()
		return fmt.Errorf("unknown command %q", rest[0])
	}
}

type app struct {
	cfg   *config.Config
	redis *redis.Client
	db    *sql.DB
	store *store.SQLStore
	queue *queue.Queue
}

func connect(cfg *config.Config) (*app, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	db, dialect, err := openDatabase(cfg.DatabaseURL)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	s, err := store.NewSQLStore(db, dialect)
	if err != nil {
		_ = client.Close()
		_ = db.Close()
		return nil, err
	}
	q := queue.New(client, cfg.QueueName, queue.Options{
		MaxAttempts: cfg.Worker.MaxAttempts,
		BaseDelay:   cfg.Worker.BaseDelay,
	})
	return &app{cfg: cfg, redis: client, db: db, store: s, queue: q}, nil
}

func (a *app) close() {
	_ = a.redis.Close()
	_ = a.db.Close()
}

func openDatabase(databaseURL string) (*sql.DB, store.Dialect, error) {
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		db, err := sql.Open("postgres", databaseURL)
		if err != nil {
			return nil, "", fmt.Errorf("open postgres: %w", err)
		}
		return db, store.DialectPostgres, nil
	}
	db, err := sql.Open("sqlite", databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, store.DialectSQLite, nil
}

func (a *app) ingest(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: ingest <email> <campaign-id> [name]")
	}
	req := ingest.Request{Email: args[0], CampaignID: args[1]}
	if len(args) > 2 {
		req.Name = strings.Join(args[2:], " ")
	}
	svc := ingest.NewService(a.store, a.queue, nil)
	resp, err := svc.Ingest(ctx, req)
	if err != nil {
		return err
	}
	if resp.Created {
		fmt.Printf("lead %d created, job %s\n", resp.Lead.ID, resp.JobID)
	} else {
		fmt.Printf("lead %d already exists (status %s), no job enqueued\n", resp.Lead.ID, resp.Lead.Status)
	}
	return nil
}

func (a *app) enqueue(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: enqueue <lead-id>")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid lead id %q", args[0])
	}
	l, err := a.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if l.Status.Terminal() {
		return fmt.Errorf("lead %d is %s, refusing to enqueue", id, l.Status)
	}
	jobID, err := a.queue.Enqueue(ctx, lead.JobPayload{LeadID: id})
	if err != nil {
		return err
	}
	fmt.Printf("enqueued job %s for lead %d\n", jobID, id)
	return nil
}

func (a *app) lead(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: lead show|audit <lead-id>")
	}
	id, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid lead id %q", args[1])
	}
	switch args[0] {
	case "show":
		l, err := a.store.Get(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(l)
	case "audit":
		logs, err := a.store.ListByLead(ctx, id)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tACTION\tSTATUS\tEXECUTION\tERROR")
		for _, entry := range logs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				entry.CreatedAt.Format(time.RFC3339), entry.Action, entry.Status,
				entry.MCPExecutionID, entry.ErrorMessage)
		}
		return w.Flush()
	default:
		return fmt.Errorf("unknown lead subcommand %q", args[0])
	}
}

func (a *app) queueStats(ctx context.Context, args []string) error {
	if len(args) != 1 || args[0] != "stats" {
		return errors.New("usage: queue stats")
	}
	main, err := a.queue.Counts(ctx)
	if err != nil {
		return err
	}
	dlq, err := a.queue.DLQ().Counts(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "QUEUE\tWAITING\tACTIVE\tDELAYED")
	fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", a.queue.Name(), main.Waiting, main.Active, main.Delayed)
	fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", a.queue.DLQ().Name(), dlq.Waiting, dlq.Active, dlq.Delayed)
	return w.Flush()
}

func (a *app) dlq(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: dlq list|requeue")
	}
	switch args[0] {
	case "list":
		jobs, err := a.queue.DLQ().PeekWaiting(ctx, 100)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "JOB\tLEAD\tATTEMPTS\tFAILED AT\tERROR")
		for _, job := range jobs {
			var entry queue.DLQEntry
			if err := job.Decode(&entry); err != nil {
				fmt.Fprintf(w, "%s\t?\t?\t?\tundecodable entry\n", job.ID)
				continue
			}
			fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\n",
				entry.OriginalJobID, entry.LeadID, entry.AttemptsMade,
				entry.FailedAt.Format(time.RFC3339), entry.Error)
		}
		return w.Flush()
	case "requeue":
		return a.dlqRequeue(ctx, args[1:])
	default:
		return fmt.Errorf("unknown dlq subcommand %q", args[0])
	}
}

// dlqRequeue drains dead-letter entries back onto the main queue with a
// fresh attempt budget. Leads the DLQ processor already marked failed are
// reported; their jobs are skipped by the worker.
func (a *app) dlqRequeue(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("dlq requeue", flag.ExitOnError)
	max := flags.Int("max", 100, "maximum entries to requeue")
	if err := flags.Parse(args); err != nil {
		return err
	}

	dlq := a.queue.DLQ()
	moved := 0
	for moved < *max {
		job, err := dlq.TryLease(ctx)
		if err != nil {
			return err
		}
		if job == nil {
			break
		}
		var entry queue.DLQEntry
		if err := job.Decode(&entry); err != nil {
			fmt.Fprintf(os.Stderr, "skipping undecodable entry %s: %v\n", job.ID, err)
			if err := dlq.Ack(ctx, job); err != nil {
				return err
			}
			continue
		}
		jobID, err := a.queue.Enqueue(ctx, lead.JobPayload{LeadID: entry.LeadID})
		if err != nil {
			// Leave the entry leased; the reclaim pass returns it.
			return fmt.Errorf("requeue lead %d: %w", entry.LeadID, err)
		}
		if err := dlq.Ack(ctx, job); err != nil {
			return err
		}
		moved++
		if l, err := a.store.Get(ctx, entry.LeadID); err == nil && l.Status.Terminal() {
			fmt.Printf("requeued lead %d as job %s (status %s, worker will skip)\n", entry.LeadID, jobID, l.Status)
		} else {
			fmt.Printf("requeued lead %d as job %s\n", entry.LeadID, jobID)
		}
	}
	fmt.Printf("%d entr%s requeued\n", moved, pluralY(moved))
	return nil
}

func (a *app) audit(ctx context.Context, args []string) error {
	if len(args) != 1 || args[0] != "verify" {
		return errors.New("usage: audit verify")
	}
	if err := a.store.VerifyChain(ctx); err != nil {
		return fmt.Errorf("audit chain verification failed: %w", err)
	}
	fmt.Println("audit chain intact")
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func pluralY(n int) string {
	if n == 1 {
		return "y"
	}
	return "ies"
}
