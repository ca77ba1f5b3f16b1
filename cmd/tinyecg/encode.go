package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/srg/tinyecg/internal/frame"
)

// encodeCmd represents the encode command
var encodeCmd = &cobra.Command{
	Use:   "encode <opcode> [payload-hex]",
	Short: "Print a PC-80B command frame",
	Long: `Build a complete PC-80B frame (tag, doubled opcode, length, payload and
CRC-8/MAXIM checksum) and print it as hex.

The opcode is a number (0xA, 10) or a name such as continuous_data or
heartbeat.`,
	Example: `  tinyecg encode continuous_data 3f00
  tinyecg encode 0xF 00`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runEncode,
}

func runEncode(cmd *cobra.Command, args []string) error {
	op, err := parseOpcodeArg(args[0])
	if err != nil {
		return err
	}

	var payload []byte
	if len(args) == 2 {
		payload, err = parseCaptureLine(args[1])
		if err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
	}

	cmd.SilenceUsage = true

	f, err := frame.Encode(op, payload)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "% X\n", f)
	return nil
}

func parseOpcodeArg(s string) (frame.Opcode, error) {
	if n, err := strconv.ParseUint(s, 0, 8); err == nil {
		if n > 0x0f {
			return 0, fmt.Errorf("opcode %s out of range (0x0..0xF)", s)
		}
		return frame.Opcode(n), nil
	}
	name := strings.ToLower(strings.ReplaceAll(s, "-", "_"))
	for op := frame.Opcode(0); op <= 0x0f; op++ {
		if op.String() == name {
			return op, nil
		}
	}
	return 0, fmt.Errorf("unknown opcode %q", s)
}
