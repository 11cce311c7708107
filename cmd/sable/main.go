// Package main provides the Sable command line interface.
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/sable-ml/sable/engine"
	"github.com/sable-ml/sable/tensor"
)

const version = "v0.1.0-dev"

func main() {
	root := &cobra.Command{
		Use:           "sable",
		Short:         "Sable tensor execution engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newVersionCmd(), newBackendsCmd(), newSelftestCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Sable %s\n", version)
		},
	}
}

func newBackendsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "List registered backends and which one is active",
		RunE: func(cmd *cobra.Command, args []string) error {
			e := engine.NewDefault(engine.ConfigFromEnv())
			active := e.BackendName()

			var data [][]string
			for _, name := range e.SortedBackends() {
				status := "registered"
				if name == active {
					status = "active"
				} else if e.FindBackend(name) != nil {
					status = "initialized"
				}
				data = append(data, []string{name, status})
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"BACKEND", "STATUS"})
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetHeaderLine(false)
			table.SetBorder(false)
			table.SetNoWhiteSpace(true)
			table.SetTablePadding("    ")
			table.AppendBulk(data)
			table.Render()

			mem := e.Memory()
			fmt.Printf("\nlive tensors: %d, buffers: %d, bytes: %d\n",
				mem.NumTensors, mem.NumDataBuffers, mem.NumBytes)
			return nil
		},
	}
}

func newSelftestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "selftest",
		Short: "Run a small forward and backward pass to verify the engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			e := engine.NewDefault(engine.ConfigFromEnv())
			fmt.Printf("backend: %s\n", e.BackendName())

			x, err := e.MakeTensor(tensor.Float32s{1, 2, 3, 4}, tensor.Shape{4})
			if err != nil {
				return err
			}
			defer e.Dispose(x)

			// y = x*x, so dy/dx = 2x.
			res := e.Gradients(func() *tensor.Tensor {
				return e.Run1(engine.Square, engine.NamedTensors{"x": x}, nil)
			}, []*tensor.Tensor{x}, engine.GradientsOptions{})
			defer e.Dispose(res.Value)

			grad, err := e.ReadSync(res.Grads[0])
			if err != nil {
				return err
			}
			defer e.Dispose(res.Grads[0])

			values, ok := grad.(tensor.Float32s)
			if !ok {
				return fmt.Errorf("selftest: unexpected gradient payload %T", grad)
			}
			for i, want := range []float32{2, 4, 6, 8} {
				if values[i] != want {
					return fmt.Errorf("selftest: grad[%d] = %s, want %s",
						i, strconv.FormatFloat(float64(values[i]), 'g', -1, 32),
						strconv.FormatFloat(float64(want), 'g', -1, 32))
				}
			}

			mem := e.Memory()
			fmt.Printf("gradient check passed, live tensors: %d\n", mem.NumTensors)
			return nil
		},
	}
}
