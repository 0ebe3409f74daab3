package service

import "errors"

// Ошибки движка чатов. Обработчики сопоставляют их с HTTP-статусами через errors.Is;
// уточнение добавляется обёрткой fmt.Errorf("%w: ...", Err...).
var (
	ErrUnauthenticated   = errors.New("unauthenticated")
	ErrForbidden         = errors.New("forbidden")
	ErrNotFound          = errors.New("not found")
	ErrInvalidState      = errors.New("invalid state")
	ErrInvalidDepartment = errors.New("invalid department")
	ErrPayloadTooLarge   = errors.New("payload too large")
	ErrTooManyFiles      = errors.New("too many files")
	ErrEmptyMessage      = errors.New("empty message")
	ErrInvalidFile       = errors.New("invalid file")
)
