package defaults

import "time"

const (
	// CloudList is the file containing the configuration options required to
	// connect to the cloud backends.
	CloudList = "/etc/imagekeeper/clouds.json"

	// ImageList is the file containing the list of images to synchronize
	// over the clouds.
	ImageList = "/etc/imagekeeper/image.list"

	// ImageListFormat is the format of the image list.
	ImageListFormat = "helixnebula"

	// StoreDir is the directory where downloaded images are kept between
	// backends.
	StoreDir = "/var/lib/imagekeeper"

	// WorkDir is the directory where images are downloaded before being moved
	// into StoreDir.
	WorkDir = "/var/lib/imagekeeper/tmp"

	// MinRAM is the minimum amount of RAM, in MiB, set on every image
	// created by imagekeeper.
	MinRAM = 0

	// Visibility is the visibility of newly created images.
	Visibility = "private"

	// DeprecatedVisibility is the visibility deprecated images are lowered to.
	DeprecatedVisibility = "private"

	// DiskFormat is used when an appliance does not declare a format.
	DiskFormat = "qcow2"

	// ContainerFormat is used when an appliance does not declare one.
	ContainerFormat = "bare"

	// Workers is the number of backends reconciled in parallel.
	Workers = 1

	// CallTimeout bounds every connector call but uploads.
	CallTimeout = 2 * time.Minute

	// UploadTimeout bounds a single image upload.
	UploadTimeout = 2 * time.Hour

	// EnvPrefix is the prefix of the environment variables overriding flags.
	EnvPrefix = "IMAGEKEEPER"

	// Image tags

	// TagPrefix is the prefix of the tags imagekeeper manages on images.
	TagPrefix = "imagekeeper."

	// TagLocation records the artifact an image was created from.
	TagLocation = TagPrefix + "location"

	// TagFormat records the disk format of the appliance.
	TagFormat = TagPrefix + "format"

	// TagVersion records the appliance version when the image list has one.
	TagVersion = TagPrefix + "version"

	// TagStatus holds the lifecycle status of an image on registries that
	// cannot express it natively.
	TagStatus = TagPrefix + "status"

	// TagChecksum records the declared checksum of the artifact.
	TagChecksum = TagPrefix + "checksum"
)
