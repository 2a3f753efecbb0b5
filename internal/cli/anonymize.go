package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/voxmill/voxmill"
)

// anonymizeFlags holds the flag values for the anonymize command.
type anonymizeFlags struct {
	profile    string
	customTags string
}

// NewAnonymizeCommand creates the "anonymize" cobra command.
func NewAnonymizeCommand() *cobra.Command {
	flags := &anonymizeFlags{}

	cmd := &cobra.Command{
		Use:   "anonymize <file>...",
		Short: "Redact identifying DICOM tags in place",
		Long: `Anonymize removes patient-identifying tags from the given DICOM files,
rewriting each file in place. Geometry tags (orientation, position, spacing,
thickness, image type, modality) are always preserved. Re-running on already
redacted files is safe.

Examples:
  voxmill anonymize scan0001.dcm scan0002.dcm
  voxmill anonymize *.dcm --profile custom --custom-tags extra.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				printErr(err)
				return err
			}
			defer app.Close()

			profile, err := resolveProfile(flags.profile, flags.customTags)
			if err != nil {
				printErr(err)
				return err
			}

			count, perFile, err := app.Anonymize(cmd.Context(), args, profile)
			if err != nil {
				printErr(err)
				return err
			}

			report := struct {
				Anonymized int          `json:"anonymized"`
				Total      int          `json:"total"`
				PerFile    []fileReport `json:"per_file"`
			}{Anonymized: count, Total: len(args)}
			for _, f := range perFile {
				fr := fileReport{Path: f.Path}
				if f.Err != nil {
					fr.Error = f.Err.Error()
				}
				report.PerFile = append(report.PerFile, fr)
			}

			return emit(report, func() {
				fmt.Printf("anonymized %d/%d files\n", count, len(args))
				for _, f := range perFile {
					if f.Err != nil {
						fmt.Printf("  skipped %s: %v\n", f.Path, f.Err)
					}
				}
			})
		},
	}

	cmd.Flags().StringVar(&flags.profile, "profile", voxmill.ProfileBasic, "anonymizer profile: basic, enhanced, or custom")
	cmd.Flags().StringVar(&flags.customTags, "custom-tags", "", "YAML file with extra tags for the custom profile")
	return cmd
}
