package dicomio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/voxmill/voxmill/internal/model"
)

func TestTagsForBasic(t *testing.T) {
	set, err := TagsFor(model.AnonymizerProfile{Name: ProfileBasic})
	require.NoError(t, err)

	assert.Contains(t, set, tag.PatientName)
	assert.Contains(t, set, tag.PatientID)
	assert.Contains(t, set, tag.InstitutionName)
	assert.Contains(t, set, tag.StudyDate)

	// Enhanced-only tags are not in basic.
	assert.NotContains(t, set, tag.OperatorsName)
	assert.NotContains(t, set, tag.StationName)
}

func TestTagsForEmptyNameDefaultsToBasic(t *testing.T) {
	def, err := TagsFor(model.AnonymizerProfile{})
	require.NoError(t, err)
	basic, err := TagsFor(model.AnonymizerProfile{Name: ProfileBasic})
	require.NoError(t, err)
	assert.Equal(t, basic, def)
}

func TestTagsForEnhancedIsSuperset(t *testing.T) {
	basic, err := TagsFor(model.AnonymizerProfile{Name: ProfileBasic})
	require.NoError(t, err)
	enhanced, err := TagsFor(model.AnonymizerProfile{Name: ProfileEnhanced})
	require.NoError(t, err)

	for tg := range basic {
		assert.Contains(t, enhanced, tg)
	}
	assert.Greater(t, len(enhanced), len(basic))
	assert.Contains(t, enhanced, tag.OperatorsName)
	assert.Contains(t, enhanced, tag.PatientAge)
}

func TestTagsForNeverRedactsGeometry(t *testing.T) {
	custom := model.AnonymizerProfile{
		Name: ProfileCustom,
		// Try to sneak geometry tags into the redaction set.
		ExtraTags: []string{"0020,0037", "0020,0032", "0028,0030", "0018,0050"},
	}
	for _, p := range []model.AnonymizerProfile{
		{Name: ProfileBasic}, {Name: ProfileEnhanced}, custom,
	} {
		set, err := TagsFor(p)
		require.NoError(t, err)
		assert.NotContains(t, set, tag.ImageOrientationPatient, "profile %s", p.Name)
		assert.NotContains(t, set, tag.ImagePositionPatient, "profile %s", p.Name)
		assert.NotContains(t, set, tag.PixelSpacing, "profile %s", p.Name)
		assert.NotContains(t, set, tag.SliceThickness, "profile %s", p.Name)
		assert.NotContains(t, set, tag.Modality, "profile %s", p.Name)
	}
}

func TestTagsForCustomExtraTags(t *testing.T) {
	set, err := TagsFor(model.AnonymizerProfile{
		Name:      ProfileCustom,
		ExtraTags: []string{"0010,1010", "0008,0081"},
	})
	require.NoError(t, err)
	assert.Contains(t, set, tag.Tag{Group: 0x0010, Element: 0x1010})
	assert.Contains(t, set, tag.Tag{Group: 0x0008, Element: 0x0081})
	assert.Contains(t, set, tag.PatientName, "custom extends basic")
}

func TestTagsForUnknownProfile(t *testing.T) {
	_, err := TagsFor(model.AnonymizerProfile{Name: "paranoid"})
	assert.Error(t, err)
}

func TestParseTagSpec(t *testing.T) {
	tg, err := parseTagSpec("0010,0020")
	require.NoError(t, err)
	assert.Equal(t, tag.Tag{Group: 0x0010, Element: 0x0020}, tg)

	tg, err = parseTagSpec(" 300a , 00c2 ")
	require.NoError(t, err)
	assert.Equal(t, tag.Tag{Group: 0x300a, Element: 0x00c2}, tg)

	for _, bad := range []string{"", "0010", "0010,0020,0030", "wxyz,0020"} {
		_, err := parseTagSpec(bad)
		assert.Error(t, err, "spec %q", bad)
	}
}

func TestLoadCustomTags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tags.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tags:\n  - \"0010,1010\"\n  - \"0008,0081\"\n"), 0o644))

	tags, err := LoadCustomTags(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"0010,1010", "0008,0081"}, tags)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("tags:\n  - \"not-a-tag\"\n"), 0o644))
	_, err = LoadCustomTags(bad)
	assert.Error(t, err)

	_, err = LoadCustomTags(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
