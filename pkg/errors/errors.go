// Package errors defines the error taxonomy used across imagekeeper.
//
// Every error carries a Reason. Reasons are grouped into categories that
// decide how far a failure propagates: configuration errors abort the run,
// authentication errors abort a single backend, transient errors fail a single
// operation and consistency errors fail a single appliance.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Reason is a machine readable description of why an operation failed.
type Reason string

const (
	ReasonUnknown Reason = "UnknownError"

	ReasonBackendFileNotFound     Reason = "BackendFileNotFound"
	ReasonInvalidBackendFile      Reason = "InvalidBackendFile"
	ReasonNoBackendDefined        Reason = "NoBackendDefined"
	ReasonDuplicateBackendName    Reason = "DuplicateBackendName"
	ReasonBackendNotFound         Reason = "BackendNotFound"
	ReasonImageListFileNotFound   Reason = "ImageListFileNotFound"
	ReasonInvalidImageList        Reason = "InvalidImageList"
	ReasonNoImageFound            Reason = "NoImageFound"
	ReasonImageListFormatNotFound Reason = "ImageListFormatNotFound"
	ReasonClassNotFound           Reason = "ClassNotFound"
	ReasonTooManyFormatsFound     Reason = "TooManyFormatsFound"
	ReasonDuplicateFeatureTag     Reason = "DuplicateFeatureTag"

	ReasonUnknownAuthMethod   Reason = "UnknownAuthMethod"
	ReasonMissingConfigOption Reason = "MissingConfigOption"
	ReasonAuthFailed          Reason = "AuthFailed"

	ReasonImageListFailed     Reason = "ImageListFailed"
	ReasonArtifactUnavailable Reason = "ArtifactUnavailable"
	ReasonDeleteFailed        Reason = "DeleteFailed"

	ReasonDuplicateApplianceName Reason = "DuplicateApplianceName"
)

// Category groups reasons by blast radius.
type Category string

const (
	CategoryConfiguration  Category = "Configuration"
	CategoryAuthentication Category = "Authentication"
	CategoryTransient      Category = "Transient"
	CategoryConsistency    Category = "Consistency"
)

var categories = map[Reason]Category{
	ReasonBackendFileNotFound:     CategoryConfiguration,
	ReasonInvalidBackendFile:      CategoryConfiguration,
	ReasonNoBackendDefined:        CategoryConfiguration,
	ReasonDuplicateBackendName:    CategoryConfiguration,
	ReasonBackendNotFound:         CategoryConfiguration,
	ReasonImageListFileNotFound:   CategoryConfiguration,
	ReasonInvalidImageList:        CategoryConfiguration,
	ReasonNoImageFound:            CategoryConfiguration,
	ReasonImageListFormatNotFound: CategoryConfiguration,
	ReasonClassNotFound:           CategoryConfiguration,
	ReasonTooManyFormatsFound:     CategoryConfiguration,
	ReasonDuplicateFeatureTag:     CategoryConfiguration,

	ReasonUnknownAuthMethod:   CategoryAuthentication,
	ReasonMissingConfigOption: CategoryAuthentication,
	ReasonAuthFailed:          CategoryAuthentication,

	ReasonUnknown:             CategoryTransient,
	ReasonImageListFailed:     CategoryTransient,
	ReasonArtifactUnavailable: CategoryTransient,
	ReasonDeleteFailed:        CategoryTransient,

	ReasonDuplicateApplianceName: CategoryConsistency,
}

// StatusError is an error with a Reason and an optional cause.
type StatusError struct {
	Reason  Reason
	Message string
	Err     error
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// New returns a StatusError with a formatted message.
func New(reason Reason, format string, args ...interface{}) *StatusError {
	return &StatusError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns a StatusError with a formatted message and a cause.
func Wrap(reason Reason, err error, format string, args ...interface{}) *StatusError {
	return &StatusError{Reason: reason, Message: fmt.Sprintf(format, args...), Err: err}
}

// ReasonFor returns the reason of the first StatusError in err's chain, or
// ReasonUnknown.
func ReasonFor(err error) Reason {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Reason
	}
	return ReasonUnknown
}

// IsReason reports whether err carries the given reason.
func IsReason(err error, reason Reason) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Reason == reason
	}
	return false
}

// CategoryOf returns the category of err. Errors without a reason are
// transient.
func CategoryOf(err error) Category {
	if c, ok := categories[ReasonFor(err)]; ok {
		return c
	}
	return CategoryTransient
}

// IsConfiguration reports whether err must abort the whole run.
func IsConfiguration(err error) bool {
	return err != nil && CategoryOf(err) == CategoryConfiguration
}

// IsAuthentication reports whether err must abort a single backend.
func IsAuthentication(err error) bool {
	return err != nil && CategoryOf(err) == CategoryAuthentication
}

func NewBackendFileNotFound(path string, err error) *StatusError {
	return Wrap(ReasonBackendFileNotFound, err, "the backend file %s could not be found", path)
}

func NewInvalidBackendFile(path string, err error) *StatusError {
	return Wrap(ReasonInvalidBackendFile, err, "the backend file %s is invalid", path)
}

func NewNoBackendDefined(path string) *StatusError {
	return New(ReasonNoBackendDefined, "no backend is defined in the file %s", path)
}

func NewDuplicateBackendName(path string, names []string) *StatusError {
	return New(ReasonDuplicateBackendName, "the backend file %s defines duplicate backend names: %s", path, strings.Join(names, ", "))
}

func NewBackendNotFound(backend, backendType string, err error) *StatusError {
	return Wrap(ReasonBackendNotFound, err, "backend %s of type %q could not be found", backend, backendType)
}

func NewImageListFileNotFound(path string, err error) *StatusError {
	return Wrap(ReasonImageListFileNotFound, err, "the image list file %s could not be found", path)
}

func NewInvalidImageList(path string, err error) *StatusError {
	return Wrap(ReasonInvalidImageList, err, "the image list file %s is invalid", path)
}

func NewNoImageFound(path string) *StatusError {
	return New(ReasonNoImageFound, "the image list file %s does not contain any image", path)
}

func NewClassNotFound(namespace, tag string) *StatusError {
	return New(ReasonClassNotFound, "no %s implementation provides the feature %q", namespace, tag)
}

func NewTooManyFormatsFound(namespace, tag string, names []string) *StatusError {
	return New(ReasonTooManyFormatsFound, "feature %q matches too many %s implementations: %s", tag, namespace, strings.Join(names, ", "))
}

func NewDuplicateFeatureTag(namespace, tag, first, second string) *StatusError {
	return New(ReasonDuplicateFeatureTag, "%s implementations %s and %s both declare the feature %q", namespace, first, second, tag)
}

func NewUnknownAuthMethod(backend, authType string) *StatusError {
	return New(ReasonUnknownAuthMethod, "backend %s: authentication type %q is unknown", backend, authType)
}

func NewMissingConfigOption(backend, authType string, options []string) *StatusError {
	return New(ReasonMissingConfigOption, "backend %s could not be configured for %s, required configuration options are missing: %s", backend, authType, strings.Join(options, ", "))
}

func NewAuthFailed(backend string, err error) *StatusError {
	return Wrap(ReasonAuthFailed, err, "backend %s: authentication failed", backend)
}

func NewImageListFailed(backend string, err error) *StatusError {
	return Wrap(ReasonImageListFailed, err, "backend %s: unable to list images", backend)
}

func NewArtifactUnavailable(location string, err error) *StatusError {
	return Wrap(ReasonArtifactUnavailable, err, "unable to open artifact %s", location)
}

func NewDeleteFailed(backend, id string, err error) *StatusError {
	return Wrap(ReasonDeleteFailed, err, "backend %s: unable to delete image %s", backend, id)
}

func NewUnknown(backend, operation string, err error) *StatusError {
	return Wrap(ReasonUnknown, err, "backend %s: %s failed", backend, operation)
}

func NewDuplicateApplianceName(name string, count int) *StatusError {
	return New(ReasonDuplicateApplianceName, "appliance %q is declared %d times in the image list", name, count)
}
