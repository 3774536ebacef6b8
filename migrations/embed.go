// Package migrations は採用履歴テーブルのマイグレーションSQLを埋め込む。
package migrations

import (
	"embed"
	"io/fs"
	"os"
)

// FS は {version}_{name}.sql 形式のマイグレーションファイルを保持する。
//
//go:embed *.sql
var FS embed.FS

// Source はdirが指定されていればそのディレクトリを、なければ埋め込みのFSを返す。
func Source(dir string) fs.FS {
	if dir == "" {
		return FS
	}
	return os.DirFS(dir)
}
