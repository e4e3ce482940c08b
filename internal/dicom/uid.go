package dicom

// ApplicationContextUID is the single application context defined by the
// standard for DICOM message exchange.
const ApplicationContextUID = "1.2.840.10008.3.1.1.1"

// Implementation identity sent during association negotiation.
const (
	ImplementationClassUID    = "1.2.826.0.1.3680043.10.1120.1"
	ImplementationVersionName = "PACSFERRY-1.0"
)

// Transfer syntaxes.
const (
	ImplicitVRLittleEndian = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
)

// Verification service.
const VerificationSOPClass = "1.2.840.10008.1.1"

// Query/Retrieve information models.
const (
	PatientRootFind = "1.2.840.10008.5.1.4.1.2.1.1"
	PatientRootMove = "1.2.840.10008.5.1.4.1.2.1.2"
	PatientRootGet  = "1.2.840.10008.5.1.4.1.2.1.3"
	StudyRootFind   = "1.2.840.10008.5.1.4.1.2.2.1"
	StudyRootMove   = "1.2.840.10008.5.1.4.1.2.2.2"
	StudyRootGet    = "1.2.840.10008.5.1.4.1.2.2.3"
)

// Storage SOP classes requested for C-STORE and negotiated with SCP role
// for C-GET. The list covers the image and document classes seen in
// clinical Query/Retrieve traffic; SR is carried opaquely like any other
// series.
var StorageSOPClasses = []string{
	"1.2.840.10008.5.1.4.1.1.1",       // Computed Radiography Image Storage
	"1.2.840.10008.5.1.4.1.1.1.1",     // Digital X-Ray Image Storage - For Presentation
	"1.2.840.10008.5.1.4.1.1.1.1.1",   // Digital X-Ray Image Storage - For Processing
	"1.2.840.10008.5.1.4.1.1.1.2",     // Digital Mammography X-Ray Image Storage - For Presentation
	"1.2.840.10008.5.1.4.1.1.1.2.1",   // Digital Mammography X-Ray Image Storage - For Processing
	"1.2.840.10008.5.1.4.1.1.2",       // CT Image Storage
	"1.2.840.10008.5.1.4.1.1.2.1",     // Enhanced CT Image Storage
	"1.2.840.10008.5.1.4.1.1.2.2",     // Legacy Converted Enhanced CT Image Storage
	"1.2.840.10008.5.1.4.1.1.3.1",     // Ultrasound Multi-frame Image Storage
	"1.2.840.10008.5.1.4.1.1.4",       // MR Image Storage
	"1.2.840.10008.5.1.4.1.1.4.1",     // Enhanced MR Image Storage
	"1.2.840.10008.5.1.4.1.1.4.2",     // MR Spectroscopy Storage
	"1.2.840.10008.5.1.4.1.1.4.4",     // Legacy Converted Enhanced MR Image Storage
	"1.2.840.10008.5.1.4.1.1.6.1",     // Ultrasound Image Storage
	"1.2.840.10008.5.1.4.1.1.7",       // Secondary Capture Image Storage
	"1.2.840.10008.5.1.4.1.1.7.1",     // Multi-frame Grayscale Byte SC Image Storage
	"1.2.840.10008.5.1.4.1.1.7.2",     // Multi-frame Grayscale Word SC Image Storage
	"1.2.840.10008.5.1.4.1.1.7.3",     // Multi-frame True Color SC Image Storage
	"1.2.840.10008.5.1.4.1.1.12.1",    // X-Ray Angiographic Image Storage
	"1.2.840.10008.5.1.4.1.1.12.1.1",  // Enhanced XA Image Storage
	"1.2.840.10008.5.1.4.1.1.12.2",    // X-Ray Radiofluoroscopic Image Storage
	"1.2.840.10008.5.1.4.1.1.13.1.3",  // Breast Tomosynthesis Image Storage
	"1.2.840.10008.5.1.4.1.1.20",      // Nuclear Medicine Image Storage
	"1.2.840.10008.5.1.4.1.1.66",      // Raw Data Storage
	"1.2.840.10008.5.1.4.1.1.77.1.1",  // VL Endoscopic Image Storage
	"1.2.840.10008.5.1.4.1.1.77.1.2",  // VL Microscopic Image Storage
	"1.2.840.10008.5.1.4.1.1.77.1.4",  // VL Photographic Image Storage
	"1.2.840.10008.5.1.4.1.1.88.11",   // Basic Text SR Storage
	"1.2.840.10008.5.1.4.1.1.88.22",   // Enhanced SR Storage
	"1.2.840.10008.5.1.4.1.1.88.33",   // Comprehensive SR Storage
	"1.2.840.10008.5.1.4.1.1.104.1",   // Encapsulated PDF Storage
	"1.2.840.10008.5.1.4.1.1.128",     // PET Image Storage
	"1.2.840.10008.5.1.4.1.1.130",     // Enhanced PET Image Storage
	"1.2.840.10008.5.1.4.1.1.481.1",   // RT Image Storage
	"1.2.840.10008.5.1.4.1.1.481.2",   // RT Dose Storage
	"1.2.840.10008.5.1.4.1.1.481.3",   // RT Structure Set Storage
	"1.2.840.10008.5.1.4.1.1.481.5",   // RT Plan Storage
}

var storageSOPClassSet = func() map[string]bool {
	set := make(map[string]bool, len(StorageSOPClasses))
	for _, uid := range StorageSOPClasses {
		set[uid] = true
	}
	return set
}()

// IsStorageSOPClass reports whether the UID is one of the storage SOP
// classes this engine negotiates.
func IsStorageSOPClass(uid string) bool { return storageSOPClassSet[uid] }
