package dicom

// Value representations per DICOM PS3.5 table 6.2-1.
const (
	VRApplicationEntity = "AE"
	VRAgeString         = "AS"
	VRAttributeTag      = "AT"
	VRCodeString        = "CS"
	VRDate              = "DA"
	VRDecimalString     = "DS"
	VRDateTime          = "DT"
	VRFloat             = "FL"
	VRDouble            = "FD"
	VRIntegerString     = "IS"
	VRLongString        = "LO"
	VRLongText          = "LT"
	VROtherByte         = "OB"
	VROtherWord         = "OW"
	VRPersonName        = "PN"
	VRShortString       = "SH"
	VRSignedLong        = "SL"
	VRSequence          = "SQ"
	VRSignedShort       = "SS"
	VRShortText         = "ST"
	VRTime              = "TM"
	VRUniqueIdentifier  = "UI"
	VRUnsignedLong      = "UL"
	VRUnknown           = "UN"
	VRUnsignedShort     = "US"
	VRUnlimitedText     = "UT"
)

// longVRs use the 12-byte explicit VR header (2 reserved bytes + 4-byte length).
var longVRs = map[string]bool{
	"OB": true, "OD": true, "OF": true, "OL": true, "OV": true, "OW": true,
	"SQ": true, "SV": true, "UC": true, "UN": true, "UR": true, "UT": true,
	"UV": true,
}

// IsLongVR reports whether the VR uses the long explicit header form.
func IsLongVR(vr string) bool { return longVRs[vr] }

// tagVRs maps the tags this engine works with to their VR. Unknown tags fall
// back to UN; that is sufficient because the transfer path never needs to
// reinterpret bulk data, only the query/identity attributes.
var tagVRs = map[Tag]string{
	TagSpecificCharacterSet:           VRCodeString,
	TagSOPClassUID:                    VRUniqueIdentifier,
	TagSOPInstanceUID:                 VRUniqueIdentifier,
	TagStudyDate:                      VRDate,
	TagStudyTime:                      VRTime,
	TagAccessionNumber:                VRShortString,
	TagQueryRetrieveLevel:             VRCodeString,
	TagRetrieveAETitle:                VRApplicationEntity,
	TagModality:                       VRCodeString,
	TagModalitiesInStudy:              VRCodeString,
	TagStudyDescription:               VRLongString,
	TagSeriesDescription:              VRLongString,
	TagPatientName:                    VRPersonName,
	TagPatientID:                      VRLongString,
	TagPatientBirthDate:               VRDate,
	TagPatientSex:                     VRCodeString,
	TagOtherPatientIDs:                VRLongString,
	TagOtherPatientIDsSeq:             VRSequence,
	TagClinicalTrialProtocolID:        VRLongString,
	TagClinicalTrialProtocolName:      VRLongString,
	TagStudyInstanceUID:               VRUniqueIdentifier,
	TagSeriesInstanceUID:              VRUniqueIdentifier,
	TagStudyID:                        VRShortString,
	TagSeriesNumber:                   VRIntegerString,
	TagInstanceNumber:                 VRIntegerString,
	TagNumberOfPatientRelatedStudies:  VRIntegerString,
	TagNumberOfStudyRelatedSeries:     VRIntegerString,
	TagNumberOfStudyRelatedInstances:  VRIntegerString,
	TagNumberOfSeriesRelatedInstances: VRIntegerString,
	TagFileMetaInformationGroupLength: VRUnsignedLong,
	TagMediaStorageSOPClassUID:        VRUniqueIdentifier,
	TagMediaStorageSOPInstanceUID:     VRUniqueIdentifier,
	TagTransferSyntaxUID:              VRUniqueIdentifier,
	TagImplementationClassUID:         VRUniqueIdentifier,
	TagImplementationVersionName:      VRShortString,
	{0x0008, 0x0090}:                  VRPersonName, // Referring Physician's Name
	{0x0008, 0x1050}:                  VRPersonName, // Performing Physician's Name
	{0x0008, 0x1060}:                  VRPersonName, // Name of Physician(s) Reading Study
	{0x0008, 0x1070}:                  VRPersonName, // Operators' Name
	{0x0010, 0x1005}:                  VRPersonName, // Patient's Birth Name
	{0x0010, 0x1060}:                  VRPersonName, // Patient's Mother's Birth Name
}

// VRForTag returns the value representation for a tag, or UN when the tag is
// not in the engine's dictionary.
func VRForTag(tag Tag) string {
	if vr, ok := tagVRs[tag]; ok {
		return vr
	}
	return VRUnknown
}
