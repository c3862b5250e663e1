/*
Package errs provides the application error type and the numeric error codes shared by the
HTTP API, the WebSocket protocol and the room core.
*/
package errs

// 1xxx: General Request Handling Errors
const (
	// ErrInvalidParams indicates that request parameter validation failed.
	ErrInvalidParams = 1001

	// ErrUnsupportedMediaType indicates that the request header Content-Type is not supported.
	ErrUnsupportedMediaType = 1002

	// ErrInvalidJSONFormat indicates that the request body JSON format is incorrect.
	ErrInvalidJSONFormat = 1003

	// ErrExtraContentInBody indicates that the request body contained extra content after valid JSON data.
	ErrExtraContentInBody = 1004

	// ErrRateLimitExceeded indicates that the request rate has exceeded the set limit.
	ErrRateLimitExceeded = 1007

	// ErrUnsupportedEvent indicates an inbound WebSocket frame with an unknown type.
	ErrUnsupportedEvent = 1008
)

// 2xxx: Room and Content Business Logic Errors
const (
	// ErrRoomTypeInvalid indicates that an invalid room kind was provided during creation.
	ErrRoomTypeInvalid = 2101

	// ErrRoomCodeInvalid indicates a room code that is not 6 characters of [A-Z0-9].
	ErrRoomCodeInvalid = 2102

	// ErrRoomNotFound indicates that the room does not exist or is no longer active.
	ErrRoomNotFound = 2103

	// ErrRoomFull indicates that a PAIR room already holds two open memberships.
	ErrRoomFull = 2104

	// ErrAlreadyMember indicates an open membership already exists for this identity in this room.
	ErrAlreadyMember = 2105

	// ErrGuestAlreadyInOtherRoom indicates a guest tried to join a second room before leaving the first.
	ErrGuestAlreadyInOtherRoom = 2106

	// ErrNotAMember indicates there is no open membership to close.
	ErrNotAMember = 2107

	// ErrNotAuthorized indicates the caller is not the creator of the room.
	ErrNotAuthorized = 2108

	// ErrNotInRoom indicates a room action on a connection that has not joined a room.
	ErrNotInRoom = 2109

	// ErrMessageContentTooLong indicates that the message content exceeded the maximum length.
	ErrMessageContentTooLong = 2201

	// ErrMessageContentEmpty indicates an empty or whitespace-only message.
	ErrMessageContentEmpty = 2202
)

// 3xxx: Identity, Session, and Security Errors
const (
	// ErrUnauthorized indicates a protected action was attempted without a credential.
	ErrUnauthorized = 3001

	// ErrSessionKicked indicates that the connection was replaced by a newer one for the same identity.
	ErrSessionKicked = 3004

	// ErrInvalidCredential indicates a credential that failed signature or expiry verification.
	ErrInvalidCredential = 3101

	// ErrInvalidSession indicates a guest token whose session record is missing or expired.
	ErrInvalidSession = 3102

	// ErrUserNotFound indicates a user token whose account no longer exists.
	ErrUserNotFound = 3103

	// ErrUserAlreadyExists indicates the username is taken.
	ErrUserAlreadyExists = 3104

	// ErrInvalidCredentials indicates a failed username/password login.
	ErrInvalidCredentials = 3105

	// ErrInvalidUsername indicates a username that does not satisfy the naming rules.
	ErrInvalidUsername = 3106

	// ErrInvalidPassword indicates a password outside the allowed length.
	ErrInvalidPassword = 3107
)

// 5xxx: Internal System Errors
const (
	// ErrUnknown represents an unclassified, general server internal error.
	ErrUnknown = 5000

	// ErrCodeSpaceExhausted indicates room code generation kept colliding.
	ErrCodeSpaceExhausted = 5001

	// ErrStoreUnavailable indicates the backing store or the fanout bus failed after retries.
	ErrStoreUnavailable = 5002
)
