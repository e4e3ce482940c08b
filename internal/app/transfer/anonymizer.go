package transfer

import (
	"time"

	"github.com/ahrav/pacs-ferry/internal/dicom"
)

// anonymizedPlaceholder replaces every person-name valued element.
const anonymizedPlaceholder = "Anonymized"

// Anonymizer rewrites identifying attributes of a dataset before it leaves
// the engine. One instance is shared by all instances of a task.
type Anonymizer struct {
	trialProtocolID   string
	trialProtocolName string
}

// NewAnonymizer creates an anonymizer. The trial protocol values are
// optional; when set they are stamped into every dataset.
func NewAnonymizer(trialProtocolID, trialProtocolName string) *Anonymizer {
	return &Anonymizer{
		trialProtocolID:   trialProtocolID,
		trialProtocolName: trialProtocolName,
	}
}

// Anonymize mutates ds in place. With a pseudonym the patient identity is
// replaced by it; identifying free-text and private content is always
// removed and the birth date is coarsened to January 1st of its year.
func (a *Anonymizer) Anonymize(ds *dicom.Dataset, pseudonym string) {
	ds.Walk(func(element *dicom.Element) {
		if element.VR == dicom.VRPersonName {
			element.Value = anonymizedPlaceholder
		}
	})

	ds.DeleteFunc(func(element *dicom.Element) bool {
		tag := element.Tag
		return tag.IsPrivate() || tag.IsCurveData() ||
			tag == dicom.TagOtherPatientIDs || tag == dicom.TagOtherPatientIDsSeq
	})

	if birthDate := ds.GetString(dicom.TagPatientBirthDate); birthDate != "" {
		ds.Set(dicom.TagPatientBirthDate, normalizeBirthDate(birthDate))
	}

	if pseudonym != "" {
		ds.Set(dicom.TagPatientID, pseudonym)
		ds.Set(dicom.TagPatientName, pseudonym)
	}

	if a.trialProtocolID != "" {
		ds.Set(dicom.TagClinicalTrialProtocolID, a.trialProtocolID)
	}
	if a.trialProtocolName != "" {
		ds.Set(dicom.TagClinicalTrialProtocolName, a.trialProtocolName)
	}
}

// Modifier returns the anonymizer as a dataset modifier bound to one
// pseudonym, suitable for the store and download pipelines.
func (a *Anonymizer) Modifier(pseudonym string) DatasetModifier {
	return func(ds *dicom.Dataset) { a.Anonymize(ds, pseudonym) }
}

// normalizeBirthDate keeps only the birth year, pinning month and day to
// January 1st. Unparseable values are blanked rather than kept.
func normalizeBirthDate(value string) string {
	parsed, err := time.Parse("20060102", value)
	if err != nil {
		return ""
	}
	return time.Date(parsed.Year(), time.January, 1, 0, 0, 0, 0, time.UTC).Format("20060102")
}
