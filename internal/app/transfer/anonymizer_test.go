package transfer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ahrav/pacs-ferry/internal/dicom"
)

func buildIdentifiableDataset() *dicom.Dataset {
	ds := dicom.NewDataset()
	ds.Set(dicom.TagSOPClassUID, "1.2.840.10008.5.1.4.1.1.2")
	ds.Set(dicom.TagSOPInstanceUID, "1.2.3.4.1")
	ds.Set(dicom.TagPatientID, "PAT001")
	ds.Set(dicom.TagPatientName, "Doe^Jane")
	ds.Set(dicom.TagPatientBirthDate, "19750630")
	ds.Set(dicom.TagOtherPatientIDs, "OLD-ID-42")
	ds.SetWithVR(dicom.Tag{Group: 0x0008, Element: 0x0090}, dicom.VRPersonName, "Smith^Referring")
	ds.SetWithVR(dicom.Tag{Group: 0x0009, Element: 0x0010}, dicom.VRLongString, "VENDOR PRIVATE")
	ds.SetBytes(dicom.Tag{Group: 0x5000, Element: 0x3000}, dicom.VROtherByte, []byte{1, 2, 3})
	return ds
}

func TestAnonymizeWithPseudonym(t *testing.T) {
	ds := buildIdentifiableDataset()
	NewAnonymizer("", "").Anonymize(ds, "FXQ2M8KTWZ4P")

	assert.Equal(t, "FXQ2M8KTWZ4P", ds.GetString(dicom.TagPatientID))
	assert.Equal(t, "FXQ2M8KTWZ4P", ds.GetString(dicom.TagPatientName))
	assert.Equal(t, "19750101", ds.GetString(dicom.TagPatientBirthDate))

	assert.False(t, ds.Has(dicom.TagOtherPatientIDs), "other patient IDs must be stripped")
	assert.False(t, ds.Has(dicom.Tag{Group: 0x0009, Element: 0x0010}), "private tags must be stripped")
	assert.False(t, ds.Has(dicom.Tag{Group: 0x5000, Element: 0x3000}), "curve data must be stripped")

	assert.Equal(t, anonymizedPlaceholder, ds.GetString(dicom.Tag{Group: 0x0008, Element: 0x0090}))
}

func TestAnonymizeWithoutPseudonymKeepsPatientIdentity(t *testing.T) {
	ds := buildIdentifiableDataset()
	NewAnonymizer("", "").Anonymize(ds, "")

	// Person names are placeholders, so PatientName changes even without a
	// pseudonym, but the ID stays.
	assert.Equal(t, "PAT001", ds.GetString(dicom.TagPatientID))
	assert.Equal(t, anonymizedPlaceholder, ds.GetString(dicom.TagPatientName))
	assert.Equal(t, "19750101", ds.GetString(dicom.TagPatientBirthDate))
}

func TestAnonymizeStampsTrialProtocol(t *testing.T) {
	ds := buildIdentifiableDataset()
	NewAnonymizer("TRIAL-7", "A Phase II Trial").Anonymize(ds, "FXQ2M8KTWZ4P")

	assert.Equal(t, "TRIAL-7", ds.GetString(dicom.TagClinicalTrialProtocolID))
	assert.Equal(t, "A Phase II Trial", ds.GetString(dicom.TagClinicalTrialProtocolName))
}

func TestAnonymizeBlanksUnparseableBirthDate(t *testing.T) {
	ds := buildIdentifiableDataset()
	ds.Set(dicom.TagPatientBirthDate, "not-a-date")
	NewAnonymizer("", "").Anonymize(ds, "")

	assert.Equal(t, "", ds.GetString(dicom.TagPatientBirthDate))
}
