package repo

import "errors"

// Общие ошибки хранилища.
var (
	// ErrNotFound — запись не найдена в БД.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists — запись уже существует (конфликт уникальности).
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidState — переход невозможен из текущего состояния.
	ErrInvalidState = errors.New("invalid state")

	// ErrClaimLost — попытку захватил или завершил другой исполнитель,
	// либо run уже не в статусе RUNNING.
	ErrClaimLost = errors.New("task claim lost")

	// ErrVersionConflict — запись изменилась с момента чтения.
	ErrVersionConflict = errors.New("version conflict")
)
