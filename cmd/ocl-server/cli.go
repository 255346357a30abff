package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ocl/ocl/internal/domain/reference"
	"github.com/ocl/ocl/internal/platform/checksum"
)

// readData returns the --data flag, or stdin when it is "-".
func readData(cmd *cobra.Command, flag string) ([]byte, error) {
	data, _ := cmd.Flags().GetString(flag)
	if data == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	if data == "" {
		return nil, fmt.Errorf("--%s is required", flag)
	}
	return []byte(data), nil
}

func decodePayload(cmd *cobra.Command, flag string) (any, error) {
	raw, err := readData(cmd, flag)
	if err != nil {
		return nil, err
	}
	v, err := checksum.DecodeJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", flag, err)
	}
	return v, nil
}

func resourceAndKind(cmd *cobra.Command) (checksum.Resource, checksum.Kind, error) {
	resource, _ := cmd.Flags().GetString("resource")
	kind, _ := cmd.Flags().GetString("kind")
	r, err := checksum.ParseResource(resource)
	if err != nil {
		return "", "", err
	}
	k, err := checksum.ParseKind(kind)
	if err != nil {
		return "", "", err
	}
	return r, k, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

func checksumCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checksum",
		Short: "Compute the checksum of a concept or mapping payload",
		RunE: func(cmd *cobra.Command, args []string) error {
			resource, kind, err := resourceAndKind(cmd)
			if err != nil {
				return err
			}
			payload, err := decodePayload(cmd, "data")
			if err != nil {
				return err
			}
			exp, err := checksum.Explain(resource, payload, kind)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				return writeJSON(out, exp)
			}
			_, err = fmt.Fprintln(out, exp.Digest)
			return err
		},
	}
	cmd.PersistentFlags().String("resource", "concept", "Resource type: concept or mapping")
	cmd.PersistentFlags().String("kind", "standard", "Checksum kind: standard or smart")
	cmd.Flags().String("data", "", "JSON payload, or - to read stdin")
	cmd.Flags().Bool("verbose", false, "Print projected fields and canonical serialization")

	diffCmd := &cobra.Command{
		Use:   "diff",
		Short: "Show how two payloads differ after canonicalization",
		RunE: func(cmd *cobra.Command, args []string) error {
			resource, kind, err := resourceAndKind(cmd)
			if err != nil {
				return err
			}
			left, err := decodePayload(cmd, "left")
			if err != nil {
				return err
			}
			right, err := decodePayload(cmd, "right")
			if err != nil {
				return err
			}
			diff, err := checksum.DiffCanonical(resource, left, right, kind)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if diff == "" {
				_, err = fmt.Fprintln(out, "payloads are equivalent")
				return err
			}
			_, err = fmt.Fprint(out, diff)
			return err
		},
	}
	diffCmd.Flags().String("left", "", "Older JSON payload")
	diffCmd.Flags().String("right", "", "Newer JSON payload")
	cmd.AddCommand(diffCmd)
	return cmd
}

func referenceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reference",
		Short: "Work with collection reference expressions",
	}

	parseCmd := &cobra.Command{
		Use:   "parse [expression...]",
		Short: "Parse expressions into canonical references and print their translations",
		RunE: func(cmd *cobra.Command, args []string) error {
			expression, err := expressionInput(cmd, args)
			if err != nil {
				return err
			}
			transform, _ := cmd.Flags().GetString("transform")
			cascade, _ := cmd.Flags().GetString("cascade")
			opts := reference.Options{Transform: transform}
			if cascade != "" {
				opts.Cascade = reference.NewCascade(cascade)
			}

			refs, err := reference.Parse(expression, opts)
			result := reference.ParseResult{References: refs}
			var perr reference.ParseErrors
			if errors.As(err, &perr) {
				result.Errors = perr.Messages()
			} else if err != nil {
				return err
			}
			for _, ref := range result.References {
				ref.Translation = reference.Translate(ref)
			}
			if result.References == nil {
				result.References = []*reference.Reference{}
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}
	parseCmd.Flags().String("data", "", "JSON expression (string, object or list), or - to read stdin")
	parseCmd.Flags().String("transform", "", "Transform applied to expressions without one (resourceversions, extensional)")
	parseCmd.Flags().String("cascade", "", "Cascade method applied to expressions without one (sourcemappings, sourcetoconcepts)")
	cmd.AddCommand(parseCmd)
	return cmd
}

// expressionInput takes positional expressions, or --data holding JSON or
// a bare expression.
func expressionInput(cmd *cobra.Command, args []string) (any, error) {
	if len(args) > 0 {
		list := make([]any, len(args))
		for i, a := range args {
			list[i] = a
		}
		return list, nil
	}
	raw, err := readData(cmd, "data")
	if err != nil {
		return nil, err
	}
	var expression any
	if err := json.Unmarshal(raw, &expression); err != nil {
		return strings.TrimSpace(string(raw)), nil
	}
	return expression, nil
}
