package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/stepbus/stepbus/internal/parser"
	"github.com/stepbus/stepbus/pkg/codec"
	"github.com/stepbus/stepbus/pkg/core"
)

// decodedGroup is the JSON line printed per order key.
type decodedGroup struct {
	OrderKey uint64            `json:"order_key"`
	Frames   int               `json:"frames"`
	Outcome  string            `json:"outcome"`
	Step     *core.DrivingStep `json:"step,omitempty"`
	Error    string            `json:"error,omitempty"`
}

func newDecodeCmd() *cobra.Command {
	var endian string
	cmd := &cobra.Command{
		Use:   "decode [file]",
		Short: "Decode candump-style frames (ID#HEX) into driving steps",
		Long: "Reads one frame per line from file or stdin. Frames carry no order key,\n" +
			"so the whole input decodes as a single step.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			order, err := core.ParseByteOrder(endian)
			if err != nil {
				return err
			}
			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			return decodeFrames(in, cmd.OutOrStdout(), order)
		},
	}
	cmd.Flags().StringVar(&endian, "endian", "little", "byte order of the frames")
	return cmd
}

func decodeFrames(in io.Reader, out io.Writer, order core.ByteOrder) error {
	frames, err := parser.ParseFrames(in)
	if err != nil {
		return err
	}
	if len(frames) == 0 {
		return fmt.Errorf("no frames in input")
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	for _, res := range codec.Group(frames, codec.Fixed(order)) {
		g := decodedGroup{OrderKey: res.OrderKey, Frames: res.Frames, Outcome: res.Outcome.String()}
		if res.Outcome == codec.OutcomeComplete {
			step := res.Step
			g.Step = &step
		} else if res.Err != nil {
			g.Error = res.Err.Error()
		}
		if err := enc.Encode(g); err != nil {
			return err
		}
	}
	return nil
}

func newSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the CAN frame layout",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printSchema(cmd.OutOrStdout())
		},
	}
}

func printSchema(out io.Writer) error {
	for _, spec := range codec.Schema() {
		if _, err := fmt.Fprintf(out, "0x%03X  dlc=%d  %s\n", spec.ID, spec.DLC, spec.Purpose); err != nil {
			return err
		}
		for _, f := range spec.Fields {
			if _, err := fmt.Fprintf(out, "       bits %2d..%2d  %s\n", f.StartBit, f.StartBit+f.Bits-1, f.Name); err != nil {
				return err
			}
		}
	}
	return nil
}
