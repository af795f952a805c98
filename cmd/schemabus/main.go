package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/schemabus/schemabus"
	transportio "github.com/schemabus/schemabus/transport/io"
	"github.com/schemabus/schemabus/transport/rabbitmq"
	_ "github.com/schemabus/schemabus/transport/transports"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	// Opt-in transports not covered by the transports auto-registration.
	rabbitmq.Register()
	transportio.Register()

	rootCmd := &cobra.Command{
		Use:   "schemabus",
		Short: "Dispatch, replay, and inspect schema-addressed messages",
		Long: `schemabus serves the HTTP dispatch gateway and provides console
commands for working with newline-delimited message lines: batch dispatch,
export, replay, and tail.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var (
		cfg       schemabus.Config
		tokenKeys []string
		schemas   []string
	)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfg.App.Vendor, "vendor", "schemabus", "App vendor bound onto every message")
	pf.StringVar(&cfg.App.Name, "app", "gateway", "App name bound onto every message")
	pf.StringVar(&cfg.App.Version, "app-version", version, "App version bound onto every message")
	pf.StringVar(&cfg.PubSubSystem, "pubsub", "", "Replication transport (channel, kafka, rabbitmq, nats, nats-jetstream, aws, http, io)")
	pf.StringSliceVar(&cfg.KafkaBrokers, "kafka-brokers", nil, "Kafka broker addresses")
	pf.StringVar(&cfg.KafkaConsumerGroup, "kafka-group", "", "Kafka consumer group")
	pf.StringVar(&cfg.RabbitMQURL, "rabbitmq-url", "", "RabbitMQ connection URL")
	pf.StringVar(&cfg.NATSURL, "nats-url", "", "NATS connection URL")
	pf.StringVar(&cfg.HTTPPublisherURL, "http-publisher-url", "", "Base URL for the http transport publisher")
	pf.StringVar(&cfg.IOFile, "io-file", "", "Line file for the io transport")
	pf.StringVar(&cfg.AWSRegion, "aws-region", "", "AWS region for the SNS/SQS transport")
	pf.StringVar(&cfg.AWSAccountID, "aws-account-id", "", "AWS account id for the SNS/SQS transport")
	pf.StringVar(&cfg.ReplicationTopic, "replication-topic", "", "Topic receiving a line per published event")
	pf.StringSliceVar(&tokenKeys, "token-key", nil, "Receive endpoint secret as kid=secret (repeatable)")
	pf.StringSliceVar(&schemas, "schema", nil, "Schema to register as kind=schema-id, e.g. event=acme:blog:event:article-published:1-0-0 (repeatable)")

	newGateway := func(ctx context.Context) (*schemabus.Gateway, error) {
		if len(tokenKeys) > 0 {
			cfg.TokenKeys = make(map[string]string, len(tokenKeys))
			for _, kv := range tokenKeys {
				kid, secret, ok := strings.Cut(kv, "=")
				if !ok {
					return nil, fmt.Errorf("invalid --token-key %q, want kid=secret", kv)
				}
				cfg.TokenKeys[kid] = secret
			}
		}
		g, err := schemabus.New(ctx, &cfg, schemabus.Dependencies{})
		if err != nil {
			return nil, err
		}
		for _, entry := range schemas {
			kindName, id, ok := strings.Cut(entry, "=")
			if !ok {
				g.Close()
				return nil, fmt.Errorf("invalid --schema %q, want kind=schema-id", entry)
			}
			kind, err := parseKind(kindName)
			if err != nil {
				g.Close()
				return nil, err
			}
			if err := g.RegisterSchema(id, kind); err != nil {
				g.Close()
				return nil, err
			}
		}
		return g, nil
	}

	rootCmd.AddCommand(
		serveCmd(&cfg, newGateway),
		batchCmd(&cfg, newGateway),
		exportCmd(),
		replayCmd(&cfg, newGateway),
		reindexCmd(),
		tailCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func serveCmd(cfg *schemabus.Config, newGateway func(context.Context) (*schemabus.Gateway, error)) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP dispatch and receive endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, err := newGateway(ctx)
			if err != nil {
				return err
			}
			defer g.Close()

			mux := http.NewServeMux()
			g.Mount(mux)
			mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})
			if cfg.MetricsEnabled {
				mux.Handle("/metrics", promhttp.Handler())
			}

			srv := &http.Server{Addr: listen, Handler: mux}
			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.ListenAndServe()
			}()
			log.Printf("listening on %s", listen)

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", ":8080", "HTTP listen address")
	cmd.Flags().BoolVar(&cfg.MetricsEnabled, "metrics", false, "Expose Prometheus metrics on /metrics")
	cmd.Flags().BoolVar(&cfg.AllowGET, "allow-get", false, "Permit GET dispatch requests")
	return cmd
}

func batchCmd(cfg *schemabus.Config, newGateway func(context.Context) (*schemabus.Gateway, error)) *cobra.Command {
	var (
		dryRun      bool
		skipErrors  bool
		skipInvalid bool
		contextFlag string
	)

	cmd := &cobra.Command{
		Use:   "batch [file]",
		Short: "Dispatch newline-delimited message lines onto the buses",
		Long: `Reads one serialized message per line, either a bare message object or a
transport envelope, and dispatches each through the command or event bus.
Requests and responses are rejected per line. Reads stdin when no file is
given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var in io.Reader = os.Stdin
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			g, err := newGateway(ctx)
			if err != nil {
				return err
			}
			defer g.Close()

			dispatchCtx, err := dispatchContext(ctx, contextFlag)
			if err != nil {
				return err
			}

			p := g.NewProcessor(schemabus.BatchOptions{
				DryRun:      dryRun,
				SkipErrors:  skipErrors,
				SkipInvalid: skipInvalid,
				BatchSize:   cfg.BatchSize,
				BatchDelay:  cfg.BatchDelay,
			})
			result, err := p.Process(dispatchCtx, in)
			if err != nil {
				return err
			}

			out, err := schemabus.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))

			if result.Lines.Failed > 0 {
				return fmt.Errorf("%d of %d lines failed", result.Lines.Failed, result.Lines.Total)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&cfg.BatchSize, "batch-size", 0, "Lines per chunk before pausing")
	cmd.Flags().DurationVar(&cfg.BatchDelay, "batch-delay", 0, "Pause between chunks")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Parse and resolve every line but dispatch nothing")
	cmd.Flags().BoolVar(&skipErrors, "skip-errors", false, "Keep going past lines whose dispatch fails")
	cmd.Flags().BoolVar(&skipInvalid, "skip-invalid", false, "Keep going past lines that fail to parse or resolve")
	cmd.Flags().StringVar(&contextFlag, "context", "", "Request context as JSON or base64-encoded JSON")
	return cmd
}

func exportCmd() *cobra.Command {
	var (
		file     string
		output   string
		since    string
		until    string
		curie    string
		tenantID string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export stored event lines matching a filter",
		Long: `Loads an event line file into the event store, filters by occurrence
time, curie, and tenant, and writes the surviving events back out as
transport-envelope lines in occurrence order.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			filter, err := buildFilter(since, until, curie, tenantID)
			if err != nil {
				return err
			}

			st := schemabus.NewMemoryEventStore()
			if err := loadEventFile(ctx, file, st); err != nil {
				return err
			}

			out := os.Stdout
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}

			w := bufio.NewWriter(out)
			defer w.Flush()
			return st.Pipe(ctx, filter, func(event *schemabus.Message) error {
				line, err := schemabus.EncodeLine(event)
				if err != nil {
					return err
				}
				if _, err := w.Write(line); err != nil {
					return err
				}
				return w.WriteByte('\n')
			})
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "Event line file to read (required)")
	cmd.Flags().StringVar(&output, "output", "", "Destination file, default stdout")
	cmd.Flags().StringVar(&since, "since", "", "Lower occurrence bound, unix seconds or 16-digit microtime")
	cmd.Flags().StringVar(&until, "until", "", "Upper occurrence bound, unix seconds or 16-digit microtime")
	cmd.Flags().StringVar(&curie, "curie", "", "Restrict to one curie")
	cmd.Flags().StringVar(&tenantID, "tenant-id", "", "Restrict to one tenant")
	cmd.MarkFlagRequired("file")
	return cmd
}

func replayCmd(cfg *schemabus.Config, newGateway func(context.Context) (*schemabus.Gateway, error)) *cobra.Command {
	var (
		file        string
		since       string
		until       string
		curie       string
		tenantID    string
		dryRun      bool
		skipErrors  bool
		contextFlag string
	)

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay stored events through the buses",
		Long: `Loads an event line file, filters by occurrence time, curie, and
tenant, and publishes the surviving events back through the event bus in
occurrence order. With a replication topic configured the replayed events
also fan out to the transport.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			filter, err := buildFilter(since, until, curie, tenantID)
			if err != nil {
				return err
			}

			st := schemabus.NewMemoryEventStore()
			if err := loadEventFile(ctx, file, st); err != nil {
				return err
			}

			g, err := newGateway(ctx)
			if err != nil {
				return err
			}
			defer g.Close()

			dispatchCtx, err := dispatchContext(ctx, contextFlag)
			if err != nil {
				return err
			}

			var total, failed int
			err = st.Pipe(ctx, filter, func(event *schemabus.Message) error {
				total++
				if dryRun {
					return nil
				}
				if err := g.Publish(dispatchCtx, event.Clone()); err != nil {
					failed++
					if skipErrors {
						log.Printf("replay %s: %v", event.Ref(), err)
						return nil
					}
					return fmt.Errorf("replay %s: %w", event.Ref(), err)
				}
				return nil
			})
			if err != nil {
				return err
			}

			log.Printf("replayed %d events, %d failed", total-failed, failed)
			if failed > 0 {
				return fmt.Errorf("%d of %d events failed", failed, total)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "Event line file to read (required)")
	cmd.Flags().StringVar(&since, "since", "", "Lower occurrence bound, unix seconds or 16-digit microtime")
	cmd.Flags().StringVar(&until, "until", "", "Upper occurrence bound, unix seconds or 16-digit microtime")
	cmd.Flags().StringVar(&curie, "curie", "", "Restrict to one curie")
	cmd.Flags().StringVar(&tenantID, "tenant-id", "", "Restrict to one tenant")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Resolve and count events but publish nothing")
	cmd.Flags().BoolVar(&skipErrors, "skip-errors", false, "Keep going past events whose publish fails")
	cmd.Flags().StringVar(&contextFlag, "context", "", "Request context as JSON or base64-encoded JSON")
	cmd.Flags().IntVar(&cfg.BatchSize, "batch-size", 0, "Events per chunk before pausing")
	cmd.Flags().DurationVar(&cfg.BatchDelay, "batch-delay", 0, "Pause between chunks")
	cmd.MarkFlagRequired("file")
	return cmd
}

func reindexCmd() *cobra.Command {
	var (
		file     string
		since    string
		until    string
		curie    string
		tenantID string
		query    string
	)

	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the event search index from stored event lines",
		Long: `Loads an event line file into the event store and indexes every event
matching the filter. With --query the rebuilt index is searched and the
matching refs are printed, which makes the command usable as an offline
event lookup.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			filter, err := buildFilter(since, until, curie, tenantID)
			if err != nil {
				return err
			}

			st := schemabus.NewMemoryEventStore()
			if err := loadEventFile(ctx, file, st); err != nil {
				return err
			}

			search := schemabus.NewMemoryEventSearch()
			var indexed int
			err = st.Pipe(ctx, filter, func(event *schemabus.Message) error {
				indexed++
				return search.Index(ctx, event)
			})
			if err != nil {
				return err
			}
			log.Printf("indexed %d events", indexed)

			if query == "" {
				return nil
			}
			hits, err := search.Search(ctx, query, filter)
			if err != nil {
				return err
			}
			for _, hit := range hits {
				fmt.Printf("%s %s\n", schemabus.EventOccurredAt(hit).Format(time.RFC3339), hit.Ref())
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "Event line file to read (required)")
	cmd.Flags().StringVar(&since, "since", "", "Lower occurrence bound, unix seconds or 16-digit microtime")
	cmd.Flags().StringVar(&until, "until", "", "Upper occurrence bound, unix seconds or 16-digit microtime")
	cmd.Flags().StringVar(&curie, "curie", "", "Restrict to one curie")
	cmd.Flags().StringVar(&tenantID, "tenant-id", "", "Restrict to one tenant")
	cmd.Flags().StringVar(&query, "query", "", "Search the rebuilt index and print matching refs")
	cmd.MarkFlagRequired("file")
	return cmd
}

func tailCmd() *cobra.Command {
	var (
		file     string
		interval time.Duration
		fromTop  bool
		curie    string
		tenantID string
	)

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow an event line file and print arriving events",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			filter, err := buildFilter("", "", curie, tenantID)
			if err != nil {
				return err
			}

			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()

			if !fromTop {
				if _, err := f.Seek(0, io.SeekEnd); err != nil {
					return err
				}
			}

			reader := bufio.NewReader(f)
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for {
				line, err := reader.ReadBytes('\n')
				if len(line) > 0 && err == nil {
					printLine(line, filter)
					continue
				}
				if err != nil && err != io.EOF {
					return err
				}
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "Event line file to follow (required)")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "Poll interval")
	cmd.Flags().BoolVar(&fromTop, "from-top", false, "Print existing lines before following")
	cmd.Flags().StringVar(&curie, "curie", "", "Restrict to one curie")
	cmd.Flags().StringVar(&tenantID, "tenant-id", "", "Restrict to one tenant")
	cmd.MarkFlagRequired("file")
	return cmd
}

func printLine(line []byte, filter schemabus.EventFilter) {
	msg, isReplay, err := schemabus.DecodeLine(line)
	if err != nil {
		log.Printf("skipping undecodable line: %v", err)
		return
	}
	if !filter.Curie.IsZero() && msg.Curie() != filter.Curie {
		return
	}
	if filter.TenantID != "" && msg.GetString(schemabus.FieldTenantID) != filter.TenantID {
		return
	}
	at := schemabus.EventOccurredAt(msg)
	tag := ""
	if isReplay {
		tag = " (replay)"
	}
	fmt.Printf("%s %s%s\n", at.Format(time.RFC3339), msg.Ref(), tag)
}

func loadEventFile(ctx context.Context, path string, st *schemabus.MemoryEventStore) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		msg, _, err := schemabus.DecodeLine([]byte(line))
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if err := st.Put(ctx, msg); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func buildFilter(since, until, curie, tenantID string) (schemabus.EventFilter, error) {
	var f schemabus.EventFilter
	var err error

	if f.Since, err = parseTimeFlag(since); err != nil {
		return f, fmt.Errorf("--since: %w", err)
	}
	if f.Until, err = parseTimeFlag(until); err != nil {
		return f, fmt.Errorf("--until: %w", err)
	}
	if curie != "" {
		if f.Curie, err = schemabus.ParseCurie(curie); err != nil {
			return f, err
		}
	}
	f.TenantID = tenantID
	return f, nil
}

// parseTimeFlag accepts unix seconds or a 16-digit microsecond timestamp.
func parseTimeFlag(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
	}
	if len(s) == 16 {
		return time.UnixMicro(v), nil
	}
	return time.Unix(v, 0), nil
}

// dispatchContext builds the console request context for CLI dispatch,
// optionally enriched from --context.
func dispatchContext(ctx context.Context, contextFlag string) (context.Context, error) {
	rc := &schemabus.RequestContext{Console: true}
	if contextFlag == "" {
		return schemabus.WithRequestContext(ctx, rc), nil
	}

	raw := []byte(contextFlag)
	if !strings.HasPrefix(strings.TrimSpace(contextFlag), "{") {
		decoded, err := base64.StdEncoding.DecodeString(contextFlag)
		if err != nil {
			return nil, fmt.Errorf("--context: not JSON and not base64: %w", err)
		}
		raw = decoded
	}

	var fields struct {
		ClientIP  string `json:"client_ip"`
		UserAgent string `json:"user_agent"`
	}
	if err := schemabus.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("--context: %w", err)
	}
	rc.ClientIP = fields.ClientIP
	rc.UserAgent = fields.UserAgent
	return schemabus.WithRequestContext(ctx, rc), nil
}

func parseKind(name string) (schemabus.Kind, error) {
	switch strings.ToLower(name) {
	case "command":
		return schemabus.KindCommand, nil
	case "event":
		return schemabus.KindEvent, nil
	case "request":
		return schemabus.KindRequest, nil
	case "response":
		return schemabus.KindResponse, nil
	}
	return schemabus.KindUnknown, errors.New("unknown schema kind " + strconv.Quote(name))
}
