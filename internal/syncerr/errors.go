// Package syncerr defines the closed error vocabulary shared by all
// core components. Every operation fails with exactly one of these
// values; callers and the dispatch layer switch on Code, never on
// message text.
package syncerr

import "errors"

// Code identifies a failure outcome. The set is closed: the dispatch
// layer maps anything unrecognized to CodeUnknown.
type Code string

const (
	CodeUnknown     Code = "unknown"
	CodeInvalidArgs Code = "invalid_args"

	// Package existence / readability
	CodeCouldNotFindPack      Code = "couldNotFindPack"
	CodeFailedToReadPack      Code = "failedToReadPack"
	CodeModpackDNE            Code = "modpackDNE"
	CodeModpackAlreadyExists  Code = "modpackAlreadyExists"
	CodeFailedPublishModpack  Code = "failedPublishModpack"

	// Session / configuration
	CodeNoUser   Code = "noUser"
	CodeNoConfig Code = "noConfig"

	// Authorization
	CodeNoAuthSet                  Code = "noAuthSet"
	CodeNoAuthFound                Code = "noAuthFound"
	CodeDenyAuth                   Code = "denyAuth"
	CodeDenyWorldUpload            Code = "denyWorldUpload"
	CodeDenyWorldDownload          Code = "denyWorldDownload"
	CodeDenyChangeWorldState       Code = "denyChangeWorldState"
	CodeDenyPublisherAuth          Code = "denyPublisherAuth"
	CodeDenyLaunchFromUnownedWorlds Code = "denyLaunchFromUnownedWorlds"

	// Resource packs
	CodeRPAlreadyExists Code = "rpAlreadyExists"
	CodeCouldNotFindRP  Code = "couldNotFindRP"
	CodeNoDisabledRP    Code = "noDisabledRP"

	// World lifecycle
	CodeAlreadyPublishedWorld     Code = "alreadyPublishedWorld"
	CodeWorldDNE                  Code = "worldDNE"
	CodeWorldIsNotAvailableState  Code = "worldIsNotAvailableState"
	CodeCantFinishWorldDownload   Code = "cantFinishWorldDownload"
	CodeDenyTakeWorldOwnership    Code = "denyTakeWorldOwnership"
	CodeAlreadyOwnerOfWorld       Code = "alreadyOwnerOfWorld"
	CodeNoChangeMade              Code = "noChangeMade"
	CodeNotAllWorldsAreAvailable  Code = "notAllWorldsAreAvailable"
	CodeNoDisabledWorld           Code = "noDisabledWorld"

	// Filesystem
	CodeFileDNE            Code = "fileDNE"
	CodeFailedToReadStats  Code = "failedToReadStats"
)

// Error is a taxonomy value. Two Errors are equal under errors.Is when
// their codes match, regardless of message.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string { return e.Message }

// Is reports code equality so wrapped taxonomy errors survive
// fmt.Errorf("...: %w", err) chains.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// New creates a taxonomy error with a custom message.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

var (
	ErrUnknown     = New(CodeUnknown, "unknown error")
	ErrInvalidArgs = New(CodeInvalidArgs, "invalid arguments")

	ErrCouldNotFindPack     = New(CodeCouldNotFindPack, "couldn't find pack")
	ErrFailedToReadPack     = New(CodeFailedToReadPack, "failed to read pack meta")
	ErrModpackDNE           = New(CodeModpackDNE, "modpack does not exist")
	ErrModpackAlreadyExists = New(CodeModpackAlreadyExists, "modpack already exists")
	ErrFailedPublishModpack = New(CodeFailedPublishModpack, "failed to publish modpack")

	ErrNoUser   = New(CodeNoUser, "no user for this connection")
	ErrNoConfig = New(CodeNoConfig, "server configuration is missing")

	ErrNoAuthSet                   = New(CodeNoAuthSet, "no remote auth configured for this pack")
	ErrNoAuthFound                 = New(CodeNoAuthFound, "no auth record for this user")
	ErrDenyAuth                    = New(CodeDenyAuth, "permission denied")
	ErrDenyWorldUpload             = New(CodeDenyWorldUpload, "not allowed to upload this world")
	ErrDenyWorldDownload           = New(CodeDenyWorldDownload, "not allowed to download this world")
	ErrDenyChangeWorldState        = New(CodeDenyChangeWorldState, "not allowed to change world state")
	ErrDenyPublisherAuth           = New(CodeDenyPublisherAuth, "only the publisher may do this")
	ErrDenyLaunchFromUnownedWorlds = New(CodeDenyLaunchFromUnownedWorlds, "instance contains worlds you don't own")

	ErrRPAlreadyExists = New(CodeRPAlreadyExists, "resource pack already published by another user")
	ErrCouldNotFindRP  = New(CodeCouldNotFindRP, "couldn't find resource pack")
	ErrNoDisabledRP    = New(CodeNoDisabledRP, "disabled resource packs cannot be synced")

	ErrAlreadyPublishedWorld    = New(CodeAlreadyPublishedWorld, "world is already published")
	ErrWorldDNE                 = New(CodeWorldDNE, "world does not exist")
	ErrWorldIsNotAvailableState = New(CodeWorldIsNotAvailableState, "world is not in an available state")
	ErrCantFinishWorldDownload  = New(CodeCantFinishWorldDownload, "world is not in the downloading state")
	ErrDenyTakeWorldOwnership   = New(CodeDenyTakeWorldOwnership, "world ownership can only change while idle")
	ErrAlreadyOwnerOfWorld      = New(CodeAlreadyOwnerOfWorld, "already the owner of this world")
	ErrNoChangeMade             = New(CodeNoChangeMade, "no change made")
	ErrNotAllWorldsAreAvailable = New(CodeNotAllWorldsAreAvailable, "not all worlds are available")
	ErrNoDisabledWorld          = New(CodeNoDisabledWorld, "disabled worlds cannot be synced")

	ErrFileDNE           = New(CodeFileDNE, "file does not exist")
	ErrFailedToReadStats = New(CodeFailedToReadStats, "failed to read file stats")
)

// CodeOf extracts the taxonomy code from an error chain. Errors that
// carry no taxonomy value report CodeUnknown.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}
