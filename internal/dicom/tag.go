// Package dicom implements the DICOM data model used by the transfer engine:
// tags, elements, datasets, the implicit/explicit VR little endian codecs,
// Part 10 file handling, and the query/result dataset abstractions.
package dicom

import "fmt"

// Tag identifies a DICOM data element by (group, element) pair.
type Tag struct {
	Group   uint16
	Element uint16
}

// String returns the tag in (GGGG,EEEE) format.
func (t Tag) String() string {
	return fmt.Sprintf("(%04X,%04X)", t.Group, t.Element)
}

// Compare orders tags by group, then element, as required for dataset encoding.
func (t Tag) Compare(other Tag) int {
	switch {
	case t.Group < other.Group:
		return -1
	case t.Group > other.Group:
		return 1
	case t.Element < other.Element:
		return -1
	case t.Element > other.Element:
		return 1
	default:
		return 0
	}
}

// IsPrivate reports whether the tag belongs to a private (odd) group.
func (t Tag) IsPrivate() bool { return t.Group%2 == 1 }

// IsCurveData reports whether the tag belongs to the retired curve data
// groups (50xx), which carry potentially identifying overlay content.
func (t Tag) IsCurveData() bool { return t.Group&0xFF00 == 0x5000 }

// Well-known tags used throughout the transfer engine.
var (
	TagSpecificCharacterSet = Tag{0x0008, 0x0005}
	TagSOPClassUID          = Tag{0x0008, 0x0016}
	TagSOPInstanceUID       = Tag{0x0008, 0x0018}
	TagStudyDate            = Tag{0x0008, 0x0020}
	TagStudyTime            = Tag{0x0008, 0x0030}
	TagAccessionNumber      = Tag{0x0008, 0x0050}
	TagQueryRetrieveLevel   = Tag{0x0008, 0x0052}
	TagRetrieveAETitle      = Tag{0x0008, 0x0054}
	TagModality             = Tag{0x0008, 0x0060}
	TagModalitiesInStudy    = Tag{0x0008, 0x0061}
	TagStudyDescription     = Tag{0x0008, 0x1030}
	TagSeriesDescription    = Tag{0x0008, 0x103E}

	TagPatientName        = Tag{0x0010, 0x0010}
	TagPatientID          = Tag{0x0010, 0x0020}
	TagPatientBirthDate   = Tag{0x0010, 0x0030}
	TagPatientSex         = Tag{0x0010, 0x0040}
	TagOtherPatientIDs    = Tag{0x0010, 0x1000}
	TagOtherPatientIDsSeq = Tag{0x0010, 0x1002}

	TagClinicalTrialProtocolID   = Tag{0x0012, 0x0020}
	TagClinicalTrialProtocolName = Tag{0x0012, 0x0021}

	TagStudyInstanceUID  = Tag{0x0020, 0x000D}
	TagSeriesInstanceUID = Tag{0x0020, 0x000E}
	TagStudyID           = Tag{0x0020, 0x0010}
	TagSeriesNumber      = Tag{0x0020, 0x0011}
	TagInstanceNumber    = Tag{0x0020, 0x0013}

	TagNumberOfPatientRelatedStudies  = Tag{0x0020, 0x1200}
	TagNumberOfStudyRelatedSeries     = Tag{0x0020, 0x1206}
	TagNumberOfStudyRelatedInstances  = Tag{0x0020, 0x1208}
	TagNumberOfSeriesRelatedInstances = Tag{0x0020, 0x1209}

	TagFileMetaInformationGroupLength = Tag{0x0002, 0x0000}
	TagMediaStorageSOPClassUID        = Tag{0x0002, 0x0002}
	TagMediaStorageSOPInstanceUID     = Tag{0x0002, 0x0003}
	TagTransferSyntaxUID              = Tag{0x0002, 0x0010}
	TagImplementationClassUID         = Tag{0x0002, 0x0012}
	TagImplementationVersionName      = Tag{0x0002, 0x0013}
)
