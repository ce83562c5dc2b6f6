// Command flowguard исполняет планы агента (псевдокод из вызовов инструментов)
// под контролем capability-политик.
//
//	flowguard run plan.txt --input user_query="find schedules"
//	flowguard query "send the document to bob"
//	flowguard tools
//
// Конфигурация: config.yaml в . или ./configs, либо --config; ENV перекрывает файл
// (ENGINE_SANDBOX=true, REDIS_ADDR=localhost:6379, ...).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-flowguard/internal/dataflow"
	"github.com/xela07ax/spaceai-flowguard/internal/engine"
	"github.com/xela07ax/spaceai-flowguard/internal/infra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := buildRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "flowguard:", err)
		stop()
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	sandbox    bool
	graph      bool
}

func buildRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:          "flowguard",
		Short:        "Capability-tracking interpreter for agent tool plans",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to YAML configuration file")
	rootCmd.PersistentFlags().BoolVar(&opts.sandbox, "sandbox", false, "Simulate tool calls instead of invoking them")
	rootCmd.PersistentFlags().BoolVar(&opts.graph, "graph", false, "Include the data-flow graph in the output")

	rootCmd.AddCommand(buildRunCmd(opts), buildQueryCmd(opts), buildToolsCmd(opts))
	return rootCmd
}

func buildRunCmd(opts *rootOptions) *cobra.Command {
	var inputs map[string]string
	cmd := &cobra.Command{
		Use:   "run [plan-file...]",
		Short: "Execute plan files (stdin when no file or '-' is given)",
		Example: `  flowguard run plan.txt
  echo 'search_document(query="q3")' | flowguard run --sandbox`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				args = []string{"-"}
			}
			values := make(map[string]any, len(inputs))
			for k, v := range inputs {
				values[k] = v
			}

			jobs := make([]engine.Job, 0, len(args))
			for _, path := range args {
				src, err := readPlan(cmd.InOrStdin(), path)
				if err != nil {
					return err
				}
				jobs = append(jobs, engine.Job{Name: path, Plan: src, Inputs: values})
			}
			return runJobs(cmd, opts, jobs)
		},
	}
	cmd.Flags().StringToStringVarP(&inputs, "input", "i", nil, "Plan input bound as untrusted data (name=value)")
	return cmd
}

func buildQueryCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "query <text>...",
		Short: "Plan natural-language queries with the demo planner and execute them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs := make([]engine.Job, 0, len(args))
			for _, q := range args {
				jobs = append(jobs, engine.Job{Name: q, Query: q})
			}
			return runJobs(cmd, opts, jobs)
		},
	}
}

func buildToolsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List registered tools and the policies applied to each",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := start(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			type toolView struct {
				Name        string              `json:"name"`
				Description string              `json:"description,omitempty"`
				Required    map[string][]string `json:"required,omitempty"`
				Grants      string              `json:"grants,omitempty"`
				Sanitizer   bool                `json:"sanitizer,omitempty"`
				Policies    []string            `json:"policies"`
			}
			views := make([]toolView, 0)
			for _, spec := range a.tools.Specs() {
				v := toolView{
					Name:        spec.Name,
					Description: spec.Description,
					Sanitizer:   spec.Sanitizer,
					Grants:      string(spec.Grant()),
					Policies:    a.policies.Applicable(spec.Name),
				}
				if len(spec.Required) > 0 {
					v.Required = make(map[string][]string, len(spec.Required))
					for p, caps := range spec.Required {
						v.Required[p] = caps.Sorted()
					}
				}
				views = append(views, v)
			}
			sort.Slice(views, func(i, j int) bool { return views[i].Name < views[j].Name })
			return writeJSON(cmd.OutOrStdout(), views)
		},
	}
}

// start загружает конфигурацию, применяет флаги и собирает ядро.
func start(ctx context.Context, opts *rootOptions) (*app, error) {
	var (
		cfg *infra.Config
		err error
	)
	if opts.configPath != "" {
		cfg, err = infra.LoadConfigFrom(opts.configPath)
	} else {
		cfg, err = infra.LoadConfig()
	}
	if err != nil {
		return nil, err
	}
	if opts.sandbox {
		cfg.Engine.Sandbox = true
	}

	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg, logger.Named("flowguard"), demoPlanner{})
}

// report — итог одного плана в выводе CLI.
type report struct {
	Name   string                  `json:"name"`
	RunID  string                  `json:"run_id,omitempty"`
	State  string                  `json:"state"`
	Error  string                  `json:"error,omitempty"`
	Output any                     `json:"output,omitempty"`
	Record *engine.ExecutionRecord `json:"record,omitempty"`

	// Failed — отказавшие вызовы; Breakers — состояние breaker-а для упавших инструментов.
	Failed   []engine.Entry    `json:"failed,omitempty"`
	Breakers map[string]string `json:"breakers,omitempty"`

	// Только с --graph. Lineage — происхождение результата плана вплоть до источников.
	GraphNodes []dataflow.NodeView     `json:"graph_nodes,omitempty"`
	GraphCalls []dataflow.CallVertex   `json:"graph_calls,omitempty"`
	Lineage    []dataflow.LineageEntry `json:"lineage,omitempty"`
}

func runJobs(cmd *cobra.Command, opts *rootOptions, jobs []engine.Job) error {
	a, err := start(cmd.Context(), opts)
	if err != nil {
		return err
	}
	defer a.Close()

	results := a.pool.RunAll(cmd.Context(), jobs)

	reports := make([]report, 0, len(results))
	rejected := 0
	for _, res := range results {
		reports = append(reports, a.newReport(res, opts.graph))
		if res.Err != nil {
			rejected++
			a.logger.Warn("plan rejected", zap.String("plan", res.Job.Name), zap.Error(res.Err))
		}
	}
	if err := writeJSON(cmd.OutOrStdout(), reports); err != nil {
		return err
	}
	if rejected > 0 {
		return fmt.Errorf("%d of %d plan(s) rejected", rejected, len(jobs))
	}
	return nil
}

func (a *app) newReport(res engine.JobResult, withGraph bool) report {
	r := report{Name: res.Job.Name}
	if res.Err != nil {
		r.State = "rejected"
		r.Error = res.Err.Error()
		return r
	}
	out := res.Outcome
	r.RunID = out.RunID
	r.State = out.State.String()
	r.Output = out.Output
	r.Record = out.Record
	if out.Err != nil {
		r.Error = out.Err.Error()
	}

	r.Failed = out.Record.Failed()
	for _, e := range r.Failed {
		if e.ErrorKind != engine.KindToolError {
			continue
		}
		if r.Breakers == nil {
			r.Breakers = make(map[string]string)
		}
		r.Breakers[e.Tool] = a.executor.BreakerState(e.Tool).String()
	}

	if withGraph {
		r.GraphNodes = out.Graph.Nodes()
		r.GraphCalls = out.Graph.Calls()
		if out.OutputNode != "" {
			lineage, err := out.Graph.Lineage(out.OutputNode)
			if err != nil {
				a.logger.Warn("lineage unavailable", zap.String("node", string(out.OutputNode)), zap.Error(err))
			}
			r.Lineage = lineage
		}
	}
	return r
}

func readPlan(stdin io.Reader, path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read plan %s: %w", path, err)
	}
	return string(data), nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
