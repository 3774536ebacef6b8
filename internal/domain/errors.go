package domain

import "errors"

var (
	// ErrConfiguration は設定が不正、または初期化後に変更しようとした場合のエラー。
	ErrConfiguration = errors.New("invalid configuration")

	// ErrInitialization は初回の鍵ロードに失敗した場合のエラー。
	ErrInitialization = errors.New("initialization failed")

	// ErrNoKeyLoaded はデフォルト鍵がまだロードされていない場合のエラー。
	ErrNoKeyLoaded = errors.New("no key has been loaded")

	// ErrInvalidVersionID はバージョンIDの形式が不正な場合のエラー。
	ErrInvalidVersionID = errors.New("invalid version id")

	// ErrKeyNotFound は指定バージョンが存在しない、または廃止済みの場合のエラー。
	ErrKeyNotFound = errors.New("key not found")

	// ErrKeyUnavailable は最新バージョンが存在しない、または廃止済みで採用できない場合のエラー。
	ErrKeyUnavailable = errors.New("key unavailable")

	// ErrRemoteUnavailable はシークレットストアへのアクセスに失敗した場合のエラー。
	ErrRemoteUnavailable = errors.New("remote secret store unavailable")

	// ErrMalformedSecret はレコードにバイナリ鍵やバージョンIDが含まれない場合のエラー。
	ErrMalformedSecret = errors.New("malformed secret record")

	// ErrCacheClosed はShutdown後に操作した場合のエラー。
	ErrCacheClosed = errors.New("key cache is closed")

	// ErrMigrationFailed はマイグレーション実行時のエラー。
	ErrMigrationFailed = errors.New("migration failed")

	// ErrInvalidMigrationFile はマイグレーションファイルのフォーマットが不正な場合のエラー。
	ErrInvalidMigrationFile = errors.New("invalid migration file")
)
