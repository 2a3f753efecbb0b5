package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/voxmill/voxmill"
)

// NewInfoCommand creates the "info" cobra command.
func NewInfoCommand() *cobra.Command {
	var threshold float64

	cmd := &cobra.Command{
		Use:   "info <file>",
		Short: "Probe and decode a volume, printing its geometry",
		Long: `Info dispatches the file by signature (NIfTI or DICOM), decodes it inside
the memory ceiling, and prints dimensions, voxel spacing, and payload size.
With --threshold it additionally counts voxels above the given intensity
fraction using chunked access, so it works for files larger than the ceiling.

Examples:
  voxmill info scan.nii.gz
  voxmill info scan.nii.gz --threshold 0.5`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				printErr(err)
				return err
			}
			defer app.Close()

			vol, err := app.Load(cmd.Context(), voxmill.ImageRef{FilePath: args[0]})
			if err != nil {
				printErr(err)
				return err
			}
			defer vol.Close()

			report := struct {
				Path       string     `json:"path"`
				Width      int        `json:"width"`
				Height     int        `json:"height"`
				Depth      int        `json:"depth"`
				Spacing    [3]float64 `json:"spacing_mm"`
				Bytes      int64      `json:"bytes"`
				AboveCount *int64     `json:"voxels_above_threshold,omitempty"`
			}{
				Path:    args[0],
				Width:   vol.Width,
				Height:  vol.Height,
				Depth:   vol.Depth,
				Spacing: [3]float64{vol.VoxSizeX, vol.VoxSizeY, vol.VoxSizeZ},
				Bytes:   vol.SizeBytes(),
			}

			if cmd.Flags().Changed("threshold") {
				n := vol.CountAbove(threshold)
				report.AboveCount = &n
			}

			return emit(report, func() {
				fmt.Printf("%s: %dx%dx%d voxels, spacing (%.3g, %.3g, %.3g) mm, %d bytes\n",
					args[0], vol.Width, vol.Height, vol.Depth,
					vol.VoxSizeX, vol.VoxSizeY, vol.VoxSizeZ, vol.SizeBytes())
				if report.AboveCount != nil {
					fmt.Printf("voxels above %.2f: %d\n", threshold, *report.AboveCount)
				}
			})
		},
	}

	cmd.Flags().Float64Var(&threshold, "threshold", 0.5, "intensity fraction (0..1) for voxel counting")
	return cmd
}
