package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/atlasmap-sc/annotator/internal/annostore"
	"github.com/atlasmap-sc/annotator/internal/annotation"
	"github.com/atlasmap-sc/annotator/internal/service"
)

var (
	catalogDataset string
	catalogBuiltin bool
)

var mappingCmd = &cobra.Command{
	Use:   "mapping",
	Short: "Manage stored cluster mappings",
}

var mappingImportCmd = &cobra.Command{
	Use:   "import <name> [file.json]",
	Short: "Store a cluster -> cell type mapping",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var m annotation.Mapping
		switch {
		case len(args) == 2:
			var err error
			if m, err = readMappingFile(args[1]); err != nil {
				return err
			}
		case catalogBuiltin:
			m = annotation.PBMCClusterMapping()
		default:
			return fmt.Errorf("a mapping file or --builtin is required")
		}
		return withCatalog(func(svc *service.AnnotationService) error {
			if err := svc.PutMapping(args[0], m); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored mapping %q for dataset %s (%d clusters)\n", args[0], svc.DatasetID(), len(m))
			return nil
		})
	},
}

var markersCmd = &cobra.Command{
	Use:   "markers",
	Short: "Manage stored marker gene sets",
}

var markersImportCmd = &cobra.Command{
	Use:   "import <name> [file.json]",
	Short: "Store a cell type -> marker genes set",
	Long: `Stores a marker gene set after checking every gene against the dataset's
expression matrix. The file holds an object of cell type -> gene list; key order
is kept.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var set annotation.MarkerSet
		switch {
		case len(args) == 2:
			data, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("failed to read marker set: %w", err)
			}
			if set, err = annotation.ParseMarkerSet(data); err != nil {
				return fmt.Errorf("invalid marker set %s: %w", args[1], err)
			}
		case catalogBuiltin:
			set = annotation.PBMCMarkers()
		default:
			return fmt.Errorf("a marker set file or --builtin is required")
		}
		return withCatalog(func(svc *service.AnnotationService) error {
			if err := svc.PutMarkerSet(args[0], set); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored marker set %q for dataset %s (%d cell types, %d genes)\n",
				args[0], svc.DatasetID(), len(set), len(set.Genes()))
			return nil
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{mappingImportCmd, markersImportCmd} {
		c.Flags().StringVar(&catalogDataset, "dataset", "", "Configured dataset id (default: configured default dataset)")
		c.Flags().BoolVar(&catalogBuiltin, "builtin", false, "Import the built-in 68k PBMC defaults")
	}
	mappingCmd.AddCommand(mappingImportCmd)
	markersCmd.AddCommand(markersImportCmd)
}

// withCatalog opens the configured dataset read-only together with the SQLite store.
func withCatalog(fn func(svc *service.AnnotationService) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	datasetID, ds, err := resolveDataset(cfg, catalogDataset)
	if err != nil {
		return err
	}
	store, err := annostore.NewStore(cfg.Store.SQLitePath)
	if err != nil {
		return fmt.Errorf("failed to open annotation store: %w", err)
	}
	defer store.Close()

	svc, handles, err := openDataset(cfg, datasetID, ds, store, nil, false)
	if err != nil {
		return err
	}
	defer handles.Close()
	return fn(svc)
}
