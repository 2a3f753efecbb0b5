package dicomio

import (
	"fmt"
	"os"
	"strings"

	"github.com/suyashkumar/dicom/pkg/tag"
	"gopkg.in/yaml.v3"

	"github.com/voxmill/voxmill/internal/model"
)

// Profile names.
const (
	ProfileBasic    = "basic"
	ProfileEnhanced = "enhanced"
	ProfileCustom   = "custom"
)

// basicTags is the fixed taxonomy of identifying tags removed by every
// profile: patient identity, institution, physicians, free-text
// descriptions, and precise study/series date-times.
var basicTags = []tag.Tag{
	tag.PatientName,
	tag.PatientID,
	tag.PatientBirthDate,
	tag.PatientSex,
	tag.PatientAddress,
	tag.InstitutionName,
	tag.ReferringPhysicianName,
	tag.PerformingPhysicianName,
	tag.StudyDate,
	tag.StudyTime,
	tag.SeriesDate,
	tag.SeriesTime,
	tag.AccessionNumber,
	tag.StudyDescription,
	tag.SeriesDescription,
}

// enhancedTags extends basic with operator/station identity and further
// free-text and acquisition timing fields.
var enhancedTags = append(append([]tag.Tag{}, basicTags...),
	tag.OperatorsName,
	tag.InstitutionalDepartmentName,
	tag.InstitutionAddress,
	tag.StationName,
	tag.ProtocolName,
	tag.PatientAge,
	tag.PatientWeight,
	tag.OtherPatientIDs,
	tag.AcquisitionDate,
	tag.AcquisitionTime,
	tag.ContentDate,
	tag.ContentTime,
)

// preservedTags are required for correct geometric interpretation and are
// never redacted, not even by custom profiles.
var preservedTags = []tag.Tag{
	tag.ImageOrientationPatient,
	tag.ImagePositionPatient,
	tag.PixelSpacing,
	tag.SliceThickness,
	tag.ImageType,
	tag.Modality,
}

// TagsFor resolves a profile into the concrete redaction set.
func TagsFor(p model.AnonymizerProfile) (map[tag.Tag]struct{}, error) {
	set := map[tag.Tag]struct{}{}
	add := func(tags []tag.Tag) {
		for _, t := range tags {
			set[t] = struct{}{}
		}
	}

	switch strings.ToLower(p.Name) {
	case ProfileBasic, "":
		add(basicTags)
	case ProfileEnhanced:
		add(enhancedTags)
	case ProfileCustom:
		add(basicTags)
		for _, spec := range p.ExtraTags {
			t, err := parseTagSpec(spec)
			if err != nil {
				return nil, err
			}
			set[t] = struct{}{}
		}
	default:
		return nil, fmt.Errorf("dicomio: unknown anonymizer profile %q", p.Name)
	}

	for _, t := range preservedTags {
		delete(set, t)
	}
	return set, nil
}

// parseTagSpec parses "GGGG,EEEE" hex pairs.
func parseTagSpec(spec string) (tag.Tag, error) {
	parts := strings.Split(strings.TrimSpace(spec), ",")
	if len(parts) != 2 {
		return tag.Tag{}, fmt.Errorf("dicomio: bad tag spec %q, want \"GGGG,EEEE\"", spec)
	}
	var group, elem uint16
	if _, err := fmt.Sscanf(strings.TrimSpace(parts[0]), "%04x", &group); err != nil {
		return tag.Tag{}, fmt.Errorf("dicomio: bad tag group in %q: %w", spec, err)
	}
	if _, err := fmt.Sscanf(strings.TrimSpace(parts[1]), "%04x", &elem); err != nil {
		return tag.Tag{}, fmt.Errorf("dicomio: bad tag element in %q: %w", spec, err)
	}
	return tag.Tag{Group: group, Element: elem}, nil
}

// customTagsFile is the YAML layout for VOXMILL_PROFILE_TAGS.
type customTagsFile struct {
	Tags []string `yaml:"tags"`
}

// LoadCustomTags reads extra redaction tags for custom profiles from a YAML
// file of the form:
//
//	tags:
//	  - "0010,1010"
//	  - "0008,0081"
func LoadCustomTags(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dicomio: read custom tags %s: %w", path, err)
	}
	var f customTagsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("dicomio: parse custom tags %s: %w", path, err)
	}
	for _, spec := range f.Tags {
		if _, err := parseTagSpec(spec); err != nil {
			return nil, err
		}
	}
	return f.Tags, nil
}
