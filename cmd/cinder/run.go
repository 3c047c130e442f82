package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cinderlang/cinder/bytecode"
	"github.com/cinderlang/cinder/errz"
	"github.com/cinderlang/cinder/heap"
	"github.com/cinderlang/cinder/internal/table"
	"github.com/cinderlang/cinder/object"
	"github.com/cinderlang/cinder/vm"
)

func newRunCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
		heapDump   string
		trace      bool
		gcLog      bool
		gcStats    bool
	)
	cmd := &cobra.Command{
		Use:   "run FILE",
		Short: "Execute a compiled module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			mod, err := bytecode.Decode(data)
			if err != nil {
				return err
			}

			level := zerolog.WarnLevel
			var options []vm.Option
			if configPath != "" {
				cfg, err := vm.LoadConfigFile(configPath)
				if err != nil {
					return err
				}
				options = append(options, cfg.Options()...)
				level = cfg.LogLevel()
			}
			if logLevel != "" {
				parsed, err := zerolog.ParseLevel(strings.ToLower(logLevel))
				if err != nil {
					return fmt.Errorf("invalid log level %q", logLevel)
				}
				level = parsed
			}
			if (trace || gcLog) && level > zerolog.DebugLevel {
				level = zerolog.DebugLevel
			}

			logger := zerolog.New(zerolog.ConsoleWriter{
				Out:     cmd.ErrOrStderr(),
				NoColor: color.NoColor,
			}).Level(level).With().Timestamp().Logger()
			options = append(options,
				vm.WithLogger(logger),
				vm.WithOutput(cmd.OutOrStdout()),
				vm.WithErrorOutput(cmd.ErrOrStderr()),
				vm.WithInput(cmd.InOrStdin()),
			)
			options = append(options, hostNatives(cmd)...)
			if trace {
				options = append(options, vm.WithObserver(&traceObserver{log: logger}))
			}

			machine := vm.New(options...)
			if err := machine.Load(mod); err != nil {
				return err
			}
			_, runErr := machine.Run(cmd.Context())
			if gcStats {
				printHeapStats(cmd, machine.Heap().Stats())
			}
			if heapDump != "" {
				if derr := machine.Heap().Snapshot().WriteFile(heapDump); derr != nil {
					runErr = multierror.Append(runErr, derr).ErrorOrNil()
				}
			}
			if runErr != nil {
				var rerr *errz.RuntimeError
				if errors.As(runErr, &rerr) && len(rerr.Stack) > 0 {
					fmt.Fprint(cmd.ErrOrStderr(), errz.FormatStackTrace(rerr.Stack))
				}
				return runErr
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a TOML configuration file")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level: trace, debug, info, warn, or error")
	cmd.Flags().StringVar(&heapDump, "heap-dump", "", "write a heap snapshot to this path after the run")
	cmd.Flags().BoolVar(&trace, "trace", false, "log every instruction as it executes")
	cmd.Flags().BoolVar(&gcLog, "gc-log", false, "log collector cycles (implies --log-level debug)")
	cmd.Flags().BoolVar(&gcStats, "gc-stats", false, "print collector statistics after the run")
	return cmd
}

// hostNatives returns the natives the CLI offers to every program: wall
// clock time, elapsed time, and a print fallback for modules that do not
// use the write instruction. Modules that declare no matching global are
// unaffected.
func hostNatives(cmd *cobra.Command) []vm.Option {
	out := cmd.OutOrStdout()
	started := time.Now()
	return []vm.Option{
		vm.WithNative("now", 0, func(ctx context.Context, args []object.Value) (object.Value, error) {
			return object.NewInt(time.Now().UnixMilli()), nil
		}),
		vm.WithNative("clock", 0, func(ctx context.Context, args []object.Value) (object.Value, error) {
			return object.NewFloat(time.Since(started).Seconds()), nil
		}),
		vm.WithNative("print", -1, func(ctx context.Context, args []object.Value) (object.Value, error) {
			parts := make([]string, len(args))
			for i, a := range args {
				parts[i] = a.Inspect()
			}
			fmt.Fprintln(out, strings.Join(parts, " "))
			return object.Null, nil
		}),
	}
}

func printHeapStats(cmd *cobra.Command, stats heap.Stats) {
	table.NewTable(cmd.ErrOrStderr()).
		WithHeader([]string{"Metric", "Value"}).
		WithColumnAlignment([]table.Alignment{table.AlignLeft, table.AlignRight}).
		WithRows([][]string{
			{"bytes allocated", strconv.FormatInt(stats.BytesAllocated, 10)},
			{"next gc threshold", strconv.FormatInt(stats.NextGC, 10)},
			{"live objects", strconv.FormatInt(stats.LiveObjects, 10)},
			{"total allocations", strconv.FormatInt(stats.TotalAllocs, 10)},
			{"collections", strconv.FormatInt(stats.Collections, 10)},
			{"last freed objects", strconv.FormatInt(stats.LastFreedObjects, 10)},
			{"last freed bytes", strconv.FormatInt(stats.LastFreedBytes, 10)},
			{"last pause", stats.LastPause.String()},
		}).
		Render()
}

// traceObserver logs every instruction, call, return, throw, and trap at
// debug level. It is attached by the --trace flag.
type traceObserver struct {
	log zerolog.Logger
}

func (t *traceObserver) Config() vm.ObserverConfig {
	return vm.NewObserverConfig(vm.StepAll)
}

func (t *traceObserver) OnStep(event vm.StepEvent) bool {
	e := t.log.Debug().
		Int("offset", event.Offset).
		Str("op", event.OpcodeName).
		Str("fn", event.Function).
		Int("stack", event.StackDepth)
	if event.Line > 0 {
		e = e.Int("line", event.Line)
	}
	e.Msg("step")
	return true
}

func (t *traceObserver) OnCall(event vm.CallEvent) bool {
	t.log.Debug().
		Str("fn", event.Function).
		Int("args", event.ArgCount).
		Bool("native", event.Native).
		Int("depth", event.FrameDepth).
		Msg("call")
	return true
}

func (t *traceObserver) OnReturn(event vm.ReturnEvent) bool {
	t.log.Debug().
		Str("fn", event.Function).
		Bool("native", event.Native).
		Int("depth", event.FrameDepth).
		Msg("return")
	return true
}

func (t *traceObserver) OnThrow(event vm.ThrowEvent) bool {
	t.log.Warn().
		Str("value", event.Value).
		Bool("caught", event.Caught).
		Int("offset", event.Offset).
		Msg("throw")
	return true
}

func (t *traceObserver) OnTrap(event vm.TrapEvent) bool {
	t.log.Warn().
		Int("code", event.Code).
		Int("offset", event.Offset).
		Str("fn", event.Function).
		Msg("trap")
	return true
}

var _ vm.Observer = (*traceObserver)(nil)
