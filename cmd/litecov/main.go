// Command litecov is a small offline utility for working with persisted
// coverage sets: converting between the text and binary formats
// internal/bitmap/persist.go defines, and merging/diffing sets produced by
// separate fuzzing runs. Driving a live target is the job of whatever binary
// translator embeds the litecov package (spec §1, §6) - this tool only
// post-processes what one has already written to disk.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/coveragecore/litecov/internal/bitmap"
)

var root = &cobra.Command{
	Use:   "litecov",
	Short: "Inspect and combine persisted coverage sets",
}

func main() {
	root.AddCommand(
		convertCmd(),
		mergeCmd(),
		diffCmd(),
		intersectCmd(),
		statCmd(),
		goCoverCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func panicOnError(err error) {
	if err != nil {
		panic(err)
	}
}

// --- shared flag plumbing ---

var (
	flagInputFormat  string
	flagOutputFormat string
	flagOutputPath   string
)

func addFormatFlags(cmd *cobra.Command, withOutput bool) {
	fs := cmd.Flags()
	fs.StringVar(&flagInputFormat, "input-format", "text", "Input coverage format (text, binary)")
	if withOutput {
		fs.StringVar(&flagOutputFormat, "output-format", "text", "Output coverage format (text, binary)")
		fs.StringVar(&flagOutputPath, "output", "-", "Path to write the result (\"-\" for stdout)")
		panicOnError(cmd.MarkFlagFilename("output"))
	}
}

func readSet(path, format string) (bitmap.Set, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	switch format {
	case "text":
		return bitmap.ReadText(f)
	case "binary":
		return bitmap.ReadBinary(f)
	default:
		return nil, fmt.Errorf("unknown input format %q (want text or binary)", format)
	}
}

func writeSet(set bitmap.Set, path, format string) error {
	var out = os.Stdout
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
		defer f.Close()
		out = f
	}

	switch format {
	case "text":
		return bitmap.WriteText(out, set)
	case "binary":
		return bitmap.WriteBinary(out, set)
	default:
		return fmt.Errorf("unknown output format %q (want text or binary)", format)
	}
}

// --- convert ---

func convertCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "convert <coverage-file>",
		Short: "Convert a coverage set between the text and binary formats",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := readSet(args[0], flagInputFormat)
			if err != nil {
				return err
			}
			return writeSet(set, flagOutputPath, flagOutputFormat)
		},
	}
	addFormatFlags(cmd, true)
	return cmd
}

// --- merge ---

func mergeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "merge <coverage-file>...",
		Short: "Union two or more coverage sets",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result := bitmap.NewSet()
			for _, path := range args {
				set, err := readSet(path, flagInputFormat)
				if err != nil {
					return err
				}
				bitmap.Merge(result, set)
			}
			return writeSet(result, flagOutputPath, flagOutputFormat)
		},
	}
	addFormatFlags(cmd, true)
	return cmd
}

// --- diff ---

func diffCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diff <base-file> <new-file>",
		Short: "Report the coverage new-file adds over base-file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := readSet(args[0], flagInputFormat)
			if err != nil {
				return err
			}
			next, err := readSet(args[1], flagInputFormat)
			if err != nil {
				return err
			}
			return writeSet(bitmap.Difference(base, next), flagOutputPath, flagOutputFormat)
		},
	}
	addFormatFlags(cmd, true)
	return cmd
}

// --- intersect ---

func intersectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "intersect <coverage-file> <coverage-file>",
		Short: "Report the coverage shared between two sets",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := readSet(args[0], flagInputFormat)
			if err != nil {
				return err
			}
			b, err := readSet(args[1], flagInputFormat)
			if err != nil {
				return err
			}
			return writeSet(bitmap.Intersection(a, b), flagOutputPath, flagOutputFormat)
		},
	}
	addFormatFlags(cmd, true)
	return cmd
}

// --- stat ---

func statCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stat <coverage-file>",
		Short: "Print the number of covered codes per module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := readSet(args[0], flagInputFormat)
			if err != nil {
				return err
			}
			total := 0
			for _, mc := range set {
				fmt.Printf("%s: %d\n", mc.ModuleName, len(mc.Offsets))
				total += len(mc.Offsets)
			}
			fmt.Printf("total: %d\n", total)
			return nil
		},
	}
	addFormatFlags(cmd, false)
	return cmd
}

// --- gocover ---

func goCoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gocover <coverage-file>",
		Short: "Render a coverage set as a go-cover profile (for \"go tool cover -html\")",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := readSet(args[0], flagInputFormat)
			if err != nil {
				return err
			}
			out := os.Stdout
			if flagOutputPath != "-" {
				f, err := os.Create(flagOutputPath)
				if err != nil {
					return fmt.Errorf("create %s: %w", flagOutputPath, err)
				}
				defer f.Close()
				out = f
			}
			return bitmap.WriteGoCoverProfile(out, set)
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&flagInputFormat, "input-format", "text", "Input coverage format (text, binary)")
	fs.StringVar(&flagOutputPath, "output", "-", "Path to write the profile (\"-\" for stdout)")
	panicOnError(cmd.MarkFlagFilename("output"))
	return cmd
}
