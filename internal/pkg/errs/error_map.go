package errs

import "net/http"

// errorMap stores the CustomError template for every application error code.
var errorMap = map[int]CustomError{
	// 1xxx: General Request Handling Errors
	ErrInvalidParams:        {Code: ErrInvalidParams, Message: "Invalid request parameters.", Status: http.StatusBadRequest},
	ErrUnsupportedMediaType: {Code: ErrUnsupportedMediaType, Message: "Unsupported request format.", Status: http.StatusUnsupportedMediaType},
	ErrInvalidJSONFormat:    {Code: ErrInvalidJSONFormat, Message: "Unsupported request format.", Status: http.StatusBadRequest},
	ErrExtraContentInBody:   {Code: ErrExtraContentInBody, Message: "Request contains unexpected data.", Status: http.StatusBadRequest},
	ErrRateLimitExceeded:    {Code: ErrRateLimitExceeded, Message: "Too many requests. Please try again later.", Status: http.StatusTooManyRequests},
	ErrUnsupportedEvent:     {Code: ErrUnsupportedEvent, Message: "Unsupported event type.", Status: http.StatusBadRequest},

	// 2xxx: Room and Content Business Logic Errors
	ErrRoomTypeInvalid:         {Code: ErrRoomTypeInvalid, Message: "Invalid room type.", Status: http.StatusBadRequest},
	ErrRoomCodeInvalid:         {Code: ErrRoomCodeInvalid, Message: "Room codes are 6 letters or digits.", Status: http.StatusBadRequest},
	ErrRoomNotFound:            {Code: ErrRoomNotFound, Message: "Room not found.", Status: http.StatusNotFound},
	ErrRoomFull:                {Code: ErrRoomFull, Message: "This room is full.", Status: http.StatusBadRequest},
	ErrAlreadyMember:           {Code: ErrAlreadyMember, Message: "You have already joined this room.", Status: http.StatusBadRequest},
	ErrGuestAlreadyInOtherRoom: {Code: ErrGuestAlreadyInOtherRoom, Message: "Leave your previous room first.", Status: http.StatusBadRequest},
	ErrNotAMember:              {Code: ErrNotAMember, Message: "You are not a member of this room.", Status: http.StatusNotFound},
	ErrNotAuthorized:           {Code: ErrNotAuthorized, Message: "Only the room creator can do that.", Status: http.StatusForbidden},
	ErrNotInRoom:               {Code: ErrNotInRoom, Message: "Join a room first.", Status: http.StatusBadRequest},
	ErrMessageContentTooLong:   {Code: ErrMessageContentTooLong, Message: "Message is too long.", Status: http.StatusBadRequest},
	ErrMessageContentEmpty:     {Code: ErrMessageContentEmpty, Message: "Message is empty.", Status: http.StatusBadRequest},

	// 3xxx: Identity, Session, and Security Errors
	ErrUnauthorized:       {Code: ErrUnauthorized, Message: "Please sign in to continue.", Status: http.StatusUnauthorized},
	ErrSessionKicked:      {Code: ErrSessionKicked, Message: "You were connected from another tab or device.", Status: http.StatusConflict},
	ErrInvalidCredential:  {Code: ErrInvalidCredential, Message: "Invalid token.", Status: http.StatusForbidden},
	ErrInvalidSession:     {Code: ErrInvalidSession, Message: "Your guest session has expired.", Status: http.StatusUnauthorized},
	ErrUserNotFound:       {Code: ErrUserNotFound, Message: "Account not found.", Status: http.StatusNotFound},
	ErrUserAlreadyExists:  {Code: ErrUserAlreadyExists, Message: "Username is already taken.", Status: http.StatusConflict},
	ErrInvalidCredentials: {Code: ErrInvalidCredentials, Message: "Incorrect username or password.", Status: http.StatusUnauthorized},
	ErrInvalidUsername:    {Code: ErrInvalidUsername, Message: "Invalid username.", Status: http.StatusBadRequest},
	ErrInvalidPassword:    {Code: ErrInvalidPassword, Message: "Invalid password.", Status: http.StatusBadRequest},

	// 5xxx: Internal System Errors
	ErrUnknown:            {Code: ErrUnknown, Message: "Something went wrong. Please try again.", Status: http.StatusInternalServerError},
	ErrCodeSpaceExhausted: {Code: ErrCodeSpaceExhausted, Message: "Could not allocate a room code. Please try again.", Status: http.StatusServiceUnavailable},
	ErrStoreUnavailable:   {Code: ErrStoreUnavailable, Message: "Service temporarily unavailable. Please try again.", Status: http.StatusServiceUnavailable},
}
