// Package domain はドメインモデルとビジネスルールを定義する。
package domain

import (
	"time"
	"unicode/utf8"
)

// KeyAlgorithm はシーリング鍵のアルゴリズム名。
const KeyAlgorithm = "AES"

// バージョンIDの文字数の許容範囲。
const (
	MinVersionIDLength = 32
	MaxVersionIDLength = 64
)

// ステージラベル。ローテーション処理がバージョンに付与する。
const (
	StageCurrent  = "AWSCURRENT"
	StagePending  = "AWSPENDING"
	StagePrevious = "AWSPREVIOUS"
)

// SealerKey はバージョンIDで識別される対称鍵を表す。生成後は不変。
type SealerKey struct {
	Version   string
	Material  []byte
	Algorithm string
}

// NewSealerKey はmaterialをコピーしてSealerKeyを生成する。
func NewSealerKey(version string, material []byte) *SealerKey {
	b := make([]byte, len(material))
	copy(b, material)
	return &SealerKey{
		Version:   version,
		Material:  b,
		Algorithm: KeyAlgorithm,
	}
}

// Clone は呼び出し側が内部状態を書き換えられないようにコピーを返す。
func (k *SealerKey) Clone() SealerKey {
	b := make([]byte, len(k.Material))
	copy(b, k.Material)
	return SealerKey{Version: k.Version, Material: b, Algorithm: k.Algorithm}
}

// RemoteSecret はシークレットストアから取得したレコードを表す。
type RemoteSecret struct {
	Version  string
	Material []byte
	Stages   []string
}

// Retired はステージラベルが全て外されたバージョンかどうかを返す。
func (s *RemoteSecret) Retired() bool {
	return len(s.Stages) == 0
}

// ValidVersionID はバージョンIDの文字数が許容範囲内かを返す。
func ValidVersionID(version string) bool {
	n := utf8.RuneCountInString(version)
	return n >= MinVersionIDLength && n <= MaxVersionIDLength
}

// KeyEventType はデフォルト鍵の切り替えイベントの種別。
type KeyEventType string

const (
	// KeyEventInitialLoad は初回ロード。
	KeyEventInitialLoad KeyEventType = "initial_load"
	// KeyEventRotated は新しいバージョンへの切り替え。
	KeyEventRotated KeyEventType = "rotated"
)

// KeyEvent はデフォルト鍵の採用履歴を表す（鍵本体は含まない）。
type KeyEvent struct {
	ID              string
	SecretID        string
	Version         string
	PreviousVersion string
	Type            KeyEventType
	CreatedAt       time.Time
}
