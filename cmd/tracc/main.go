// Command tracc compiles the supported C subset to AArch64 assembly.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tracc-lang/tracc/internal/codegen"
	"github.com/tracc-lang/tracc/internal/ir/fold"
	"github.com/tracc-lang/tracc/internal/ir/irgen"
	"github.com/tracc-lang/tracc/internal/parser"
	"github.com/tracc-lang/tracc/internal/regalloc"
)

func main() {
	if err := newCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var (
		output   string
		emit     string
		logLevel string
	)
	cmd := &cobra.Command{
		Use:           "tracc <file>",
		Short:         "A small C compiler targeting AArch64",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := logrus.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			logrus.SetLevel(level)
			return run(args[0], output, emit)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (defaults to the source file with a .s extension)")
	cmd.Flags().StringVar(&emit, "emit", "ir", "what to emit: ir or asm")
	cmd.Flags().StringVar(&logLevel, "log-level", "warning", "log level (trace, debug, info, warning, error)")
	return cmd
}

func run(filename, output, emit string) error {
	source, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	program, err := parser.Parse(string(source))
	if err != nil {
		return err
	}
	compiled, err := irgen.CompileProgram(program)
	if err != nil {
		return err
	}
	compiled = fold.ConstantFold(compiled)

	if emit == "ir" {
		fmt.Print(compiled)
		return nil
	}

	hints, err := regalloc.Alloc(compiled, regalloc.CollectHints(compiled))
	if err != nil {
		return err
	}
	assembly, err := codegen.Emit(compiled, hints)
	if err != nil {
		return err
	}

	if output == "" {
		output = withExtension(filename, ".s")
	}
	if output == "-" {
		fmt.Print(assembly)
		return nil
	}
	return os.WriteFile(output, []byte(assembly), 0o644)
}

func withExtension(filename, ext string) string {
	if dot := strings.LastIndexByte(filename, '.'); dot > strings.LastIndexByte(filename, '/') {
		return filename[:dot] + ext
	}
	return filename + ext
}
