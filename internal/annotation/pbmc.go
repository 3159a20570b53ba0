package annotation

// PBMCMarkers are literature marker genes for peripheral blood mononuclear cells.
func PBMCMarkers() MarkerSet {
	return MarkerSet{
		{CellType: "NK", Genes: []string{"GNLY", "NKG7"}},
		{CellType: "T-cell", Genes: []string{"CD3D"}},
		{CellType: "B-cell", Genes: []string{"CD79A", "MS4A1"}},
		{CellType: "CD8-cell", Genes: []string{"CD8A"}},
		{CellType: "CD4-cell", Genes: []string{"IL7R"}},
		{CellType: "Monocytes", Genes: []string{"FCGR3A", "MS4A1"}},
		{CellType: "Dendritic", Genes: []string{"FCER1A", "CST3"}},
	}
}

// PBMCClusterMapping annotates the 14 Leiden clusters (resolution 0.5) of the
// 68k PBMC reduced dataset.
func PBMCClusterMapping() Mapping {
	return Mapping{
		"0":  "Monocyte",
		"1":  "Dendritic",
		"2":  "T-cell",
		"3":  "NK",
		"4":  "T-cell",
		"5":  "B-cell",
		"6":  "Monocytes",
		"7":  "Dendritic",
		"8":  "other",
		"9":  "B-cell",
		"10": "other",
		"11": "Dendritic",
		"12": "CD8-cell",
		"13": "CD4-cell",
	}
}
