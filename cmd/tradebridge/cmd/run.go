package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rustyeddy/tradebridge/journal"
	"github.com/rustyeddy/tradebridge/logging"
	"github.com/rustyeddy/tradebridge/order"
	"github.com/rustyeddy/tradebridge/pkg/id"
	"github.com/rustyeddy/tradebridge/replay"
	"github.com/rustyeddy/tradebridge/service"
)

var log = logrus.WithField("component", "cli")

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bridge",
	Long: `Connect to the backend, start the trailing-stop monitor and execute
trade commands.

Commands are JSON objects, one per line, read from --commands ("-" for
stdin). Each produces one JSON line on stdout. Without --once the bridge
keeps trailing stops until interrupted.

Example:
  echo '{"kind":"open","symbol":"EURUSD","side":"buy","qty":0.1}' | tradebridge run --commands - --once`,
	RunE: runRun,
}

var (
	runCommands    string
	runReplay      string
	runReplayDelay time.Duration
	runMetricsAddr string
	runOnce        bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runCommands, "commands", "", `file of JSON trade commands, "-" for stdin`)
	runCmd.Flags().StringVar(&runReplay, "replay", "", "CSV price tape with scripted events to play through the paper broker")
	runCmd.Flags().DurationVar(&runReplayDelay, "replay-delay", 0, "pause between replayed rows")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (overrides metrics.addr)")
	runCmd.Flags().BoolVar(&runOnce, "once", false, "exit after the command file is processed")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	closer, err := logging.Init(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer closer.Close()

	client, err := newClient(cfg.Broker)
	if err != nil {
		return fmt.Errorf("create broker client: %w", err)
	}
	store, err := journal.Open(cfg.Journal.Type, cfg.Journal.Path)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}

	svc := service.New(client, store, serviceConfig(cfg))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := svc.Shutdown(sctx); err != nil {
			log.WithError(err).Error("shutdown")
		}
	}()

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	addr := cfg.Metrics.Addr
	if runMetricsAddr != "" {
		addr = runMetricsAddr
	}
	if addr != "" {
		srv := metricsServer(addr)
		defer srv.Close()
	}

	if runCommands != "" {
		in, err := openCommands(runCommands, cmd.InOrStdin())
		if err != nil {
			return err
		}
		defer in.Close()
		if err := processCommands(ctx, svc, in, cmd.OutOrStdout()); err != nil {
			return err
		}
	}

	if runReplay != "" {
		q, ok := client.(replay.Quoter)
		if !ok {
			return fmt.Errorf("replay needs the paper broker, have %q", cfg.Broker.Type)
		}
		outcomes, err := replay.CSV(ctx, runReplay, q, svc, replay.Options{TickThenEvent: true, Delay: runReplayDelay})
		if err != nil {
			return fmt.Errorf("replay: %w", err)
		}
		if err := writeOutcomes(cmd.OutOrStdout(), outcomes); err != nil {
			return err
		}
	}

	if runOnce {
		return nil
	}
	log.Info("running, press Ctrl-C to stop")
	<-ctx.Done()
	return nil
}

func metricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.WithField("addr", addr).Info("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics server")
		}
	}()
	return srv
}

func openCommands(path string, stdin io.Reader) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open commands: %w", err)
	}
	return f, nil
}

type executor interface {
	Execute(ctx context.Context, cmd order.Command) (order.Result, error)
}

// outcome is the line written for each command.
type outcome struct {
	Line   int           `json:"line"`
	ID     string        `json:"id,omitempty"`
	Result *order.Result `json:"result,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// processCommands executes one JSON command per line. Blank lines and
// lines starting with # are skipped. A failed command does not stop the
// stream; a cancelled context does.
func processCommands(ctx context.Context, ex executor, r io.Reader, w io.Writer) error {
	enc := json.NewEncoder(w)
	sc := bufio.NewScanner(r)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		out := outcome{Line: n}
		var c order.Command
		if err := json.Unmarshal([]byte(line), &c); err != nil {
			out.Error = fmt.Sprintf("decode command: %v", err)
		} else {
			if c.ID == "" {
				c.ID = id.New()
			}
			out.ID = c.ID
			res, err := ex.Execute(ctx, c)
			if err != nil {
				out.Error = err.Error()
			} else {
				out.Result = &res
			}
		}
		if err := enc.Encode(out); err != nil {
			return fmt.Errorf("write result: %w", err)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read commands: %w", err)
	}
	return nil
}

func writeOutcomes(w io.Writer, outcomes []replay.Outcome) error {
	enc := json.NewEncoder(w)
	for _, o := range outcomes {
		out := outcome{Line: o.Row}
		if o.Err != nil {
			out.Error = o.Err.Error()
		} else {
			res := o.Result
			out.Result = &res
		}
		if err := enc.Encode(out); err != nil {
			return fmt.Errorf("write result: %w", err)
		}
	}
	return nil
}
