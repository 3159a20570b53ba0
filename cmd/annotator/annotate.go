package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/atlasmap-sc/annotator/internal/annostore"
	"github.com/atlasmap-sc/annotator/internal/annotation"
	"github.com/atlasmap-sc/annotator/internal/config"
	"github.com/atlasmap-sc/annotator/internal/service"
)

var annotateOpts struct {
	dataset     string
	zarrPath    string
	source      string
	target      string
	mappingFile string
	mappingName string
	builtin     bool
	dryRun      bool
}

var annotateCmd = &cobra.Command{
	Use:   "annotate",
	Short: "Map a cluster column to cell types and write the result",
	Long: `Reads the source obs column of a dataset, maps every label through a cluster
mapping and writes the cell types as the target obs column.

The mapping comes from a JSON file (--mapping), a stored mapping (--mapping-name)
or the built-in 68k PBMC mapping (--builtin). Every cluster present in the source
column must be mapped; otherwise nothing is written.

Example:
  annotator annotate --store data/pbmc.zarr --source leiden --target "cell type" --mapping pbmc.json`,
	RunE: runAnnotate,
}

func init() {
	f := annotateCmd.Flags()
	f.StringVar(&annotateOpts.dataset, "dataset", "", "Configured dataset id (default: configured default dataset)")
	f.StringVar(&annotateOpts.zarrPath, "store", "", "Zarr store path; bypasses the configured datasets")
	f.StringVar(&annotateOpts.source, "source", "", "Source obs column (default: dataset cluster column)")
	f.StringVar(&annotateOpts.target, "target", "", "Target obs column (default: annotation.default_target_column)")
	f.StringVar(&annotateOpts.mappingFile, "mapping", "", "JSON file with a cluster -> cell type object")
	f.StringVar(&annotateOpts.mappingName, "mapping-name", "", "Name of a mapping stored in SQLite")
	f.BoolVar(&annotateOpts.builtin, "builtin", false, "Use the built-in 68k PBMC cluster mapping")
	f.BoolVar(&annotateOpts.dryRun, "dry-run", false, "Report category counts without writing")
}

func runAnnotate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	req := service.AnnotateRequest{
		SourceColumn: annotateOpts.source,
		TargetColumn: annotateOpts.target,
		MappingName:  annotateOpts.mappingName,
		DryRun:       annotateOpts.dryRun,
	}
	switch {
	case annotateOpts.mappingFile != "":
		req.Mapping, err = readMappingFile(annotateOpts.mappingFile)
		if err != nil {
			return err
		}
	case annotateOpts.builtin:
		req.Mapping = annotation.PBMCClusterMapping()
	case annotateOpts.mappingName == "":
		return fmt.Errorf("one of --mapping, --mapping-name or --builtin is required")
	}

	datasetID, ds := "default", config.DatasetConfig{ZarrPath: annotateOpts.zarrPath}
	if annotateOpts.zarrPath == "" {
		datasetID, ds, err = resolveDataset(cfg, annotateOpts.dataset)
		if err != nil {
			return err
		}
	} else if annotateOpts.dataset != "" {
		datasetID = annotateOpts.dataset
	}

	store, err := annostore.NewStore(cfg.Store.SQLitePath)
	if err != nil {
		return fmt.Errorf("failed to open annotation store: %w", err)
	}
	defer store.Close()

	svc, handles, err := openDataset(cfg, datasetID, ds, store, nil, !req.DryRun)
	if err != nil {
		return err
	}
	defer handles.Close()

	res, err := svc.Annotate(cmd.Context(), req)
	if err != nil {
		return err
	}
	printResult(cmd.OutOrStdout(), res)
	return nil
}

func readMappingFile(path string) (annotation.Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read mapping: %w", err)
	}
	m, err := annotation.ParseMapping(data)
	if err != nil {
		return nil, fmt.Errorf("invalid mapping %s: %w", path, err)
	}
	return m, nil
}

// printResult writes the per-category cell counts as a table.
func printResult(out io.Writer, res *service.AnnotateResult) {
	fmt.Fprintf(out, "%s -> %s (%d cells)", res.SourceColumn, res.TargetColumn, res.NCells)
	if res.DryRun {
		fmt.Fprint(out, " [dry run]")
	} else if res.RunID != "" {
		fmt.Fprintf(out, " run %s", res.RunID)
	}
	fmt.Fprintln(out)

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CELL TYPE\tCELLS")
	for _, c := range res.Categories {
		fmt.Fprintf(tw, "%s\t%d\n", c.Value, c.Count)
	}
	tw.Flush()
}
