// internal/common/errors.go
package common

import (
	"errors"
	"fmt"
)

// Kind classifies an Error. The set is closed; callers switch on it or use errors.Is
// against the sentinels below.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindBookNotFound
	KindBorrowRecordNotFound
	KindAlreadyReturned
	KindNoCopiesAvailable
	KindNotAuthorized
	KindUnauthenticated
	KindConflict
	KindUserNotFound
	KindRateLimited
	KindNotFound
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindBookNotFound:
		return "book_not_found"
	case KindBorrowRecordNotFound:
		return "borrow_record_not_found"
	case KindAlreadyReturned:
		return "already_returned"
	case KindNoCopiesAvailable:
		return "no_copies_available"
	case KindNotAuthorized:
		return "not_authorized"
	case KindUnauthenticated:
		return "unauthenticated"
	case KindConflict:
		return "conflict"
	case KindUserNotFound:
		return "user_not_found"
	case KindRateLimited:
		return "rate_limited"
	case KindNotFound:
		return "not_found"
	case KindPersistence:
		return "persistence"
	default:
		return "unknown"
	}
}

// Error is the tagged error carried across the service boundary.
// Zero-valued ID fields mean "not applicable".
type Error struct {
	Kind     Kind
	Message  string
	Field    string
	BookID   int64
	BorrowID int64
	UserID   int64
	Err      error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Kind only, so errors.Is(err, ErrBookNotFound) holds for any
// BookNotFound regardless of the ids it carries. AlreadyReturned also matches
// BorrowRecordNotFound: an already returned record is no longer an active one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind == e.Kind {
		return true
	}
	return e.Kind == KindAlreadyReturned && t.Kind == KindBorrowRecordNotFound
}

var (
	ErrValidation           = &Error{Kind: KindValidation}
	ErrBookNotFound         = &Error{Kind: KindBookNotFound}
	ErrBorrowRecordNotFound = &Error{Kind: KindBorrowRecordNotFound}
	ErrAlreadyReturned      = &Error{Kind: KindAlreadyReturned}
	ErrNoCopiesAvailable    = &Error{Kind: KindNoCopiesAvailable}
	ErrNotAuthorized        = &Error{Kind: KindNotAuthorized}
	ErrUnauthenticated      = &Error{Kind: KindUnauthenticated}
	ErrConflict             = &Error{Kind: KindConflict}
	ErrUserNotFound         = &Error{Kind: KindUserNotFound}
	ErrRateLimited          = &Error{Kind: KindRateLimited}
	ErrNotFound             = &Error{Kind: KindNotFound}
	ErrPersistence          = &Error{Kind: KindPersistence}
)

func Validation(field, msg string) *Error {
	return &Error{Kind: KindValidation, Field: field, Message: msg}
}

func BookNotFound(bookID int64) *Error {
	return &Error{Kind: KindBookNotFound, BookID: bookID, Message: "Book not found."}
}

func BorrowRecordNotFound(borrowID int64) *Error {
	return &Error{Kind: KindBorrowRecordNotFound, BorrowID: borrowID, Message: "Borrow record not found."}
}

func AlreadyReturned(borrowID int64) *Error {
	return &Error{Kind: KindAlreadyReturned, BorrowID: borrowID, Message: "Borrow record already returned."}
}

func NoCopiesAvailable(bookID int64) *Error {
	return &Error{Kind: KindNoCopiesAvailable, BookID: bookID, Message: "No copies available."}
}

func NotAuthorized(msg string) *Error {
	if msg == "" {
		msg = "Not authorized."
	}
	return &Error{Kind: KindNotAuthorized, Message: msg}
}

func Unauthenticated(msg string) *Error {
	return &Error{Kind: KindUnauthenticated, Message: msg}
}

func Conflict(msg string) *Error {
	return &Error{Kind: KindConflict, Message: msg}
}

func UserNotFound(userID int64) *Error {
	return &Error{Kind: KindUserNotFound, UserID: userID, Message: "User not found."}
}

func RateLimited(msg string) *Error {
	return &Error{Kind: KindRateLimited, Message: msg}
}

// NotFound is for lookups without a dedicated kind, such as authors and categories.
func NotFound(msg string) *Error {
	return &Error{Kind: KindNotFound, Message: msg}
}

// Persistence wraps a storage failure. Its message is safe to show; the cause is not.
func Persistence(op string, err error) *Error {
	return &Error{Kind: KindPersistence, Message: op, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// AsDomain reports whether err already carries a domain Kind.
func AsDomain(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
