package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// ModelWeights はモデルの重みを表す構造体（シリアライゼーション用）
// トラッキングストアには model.json としてこの形式で保存される。
type ModelWeights struct {
	// ModelType はモデルの種類（ElasticNet 等）
	ModelType string `json:"model_type"`

	// Version はモデルのバージョン（互換性チェック用）
	Version string `json:"version"`

	// Coefficients は重み係数
	Coefficients []float64 `json:"coefficients"`

	// Intercept は切片
	Intercept float64 `json:"intercept"`

	// Features は特徴量の名前（オプション）
	Features []string `json:"features,omitempty"`

	// Hyperparameters はモデルのハイパーパラメータ
	Hyperparameters map[string]interface{} `json:"hyperparameters"`

	// Metadata は追加のメタデータ（学習時の統計・チェックサム等）
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// IsFitted はモデルが学習済みかどうか
	IsFitted bool `json:"is_fitted"`
}

// WeightExporter は重みをエクスポート・インポート可能なモデルのインターフェース
type WeightExporter interface {
	ExportWeights() (*ModelWeights, error)
	ImportWeights(weights *ModelWeights) error
}

// ToJSON はModelWeightsをJSON形式にシリアライズ
func (mw *ModelWeights) ToJSON() ([]byte, error) {
	return json.MarshalIndent(mw, "", "  ")
}

// FromJSON はJSON形式からModelWeightsをデシリアライズ
func (mw *ModelWeights) FromJSON(data []byte) error {
	return json.Unmarshal(data, mw)
}

// Validate はModelWeightsの妥当性を検証
func (mw *ModelWeights) Validate() error {
	if mw.ModelType == "" {
		return fmt.Errorf("model_type is required")
	}
	if mw.Version == "" {
		return fmt.Errorf("version is required")
	}
	if !mw.IsFitted && len(mw.Coefficients) > 0 {
		return fmt.Errorf("unfitted model should not have coefficients")
	}
	if mw.IsFitted && len(mw.Coefficients) == 0 {
		return fmt.Errorf("fitted model must have coefficients")
	}
	if len(mw.Features) > 0 && len(mw.Features) != len(mw.Coefficients) {
		return fmt.Errorf("got %d feature names for %d coefficients", len(mw.Features), len(mw.Coefficients))
	}
	return nil
}

// Checksum は係数と切片から SHA-256 チェックサムを計算する
func (mw *ModelWeights) Checksum() string {
	data, _ := json.Marshal(append(append([]float64{}, mw.Coefficients...), mw.Intercept))
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// Seal はチェックサムを Metadata に書き込む
func (mw *ModelWeights) Seal() {
	if mw.Metadata == nil {
		mw.Metadata = make(map[string]interface{})
	}
	mw.Metadata["checksum"] = mw.Checksum()
}

// VerifyChecksum は Metadata のチェックサムが一致するか確認する
// チェックサムが無い場合は検証をスキップする
func (mw *ModelWeights) VerifyChecksum() error {
	want, ok := mw.Metadata["checksum"].(string)
	if !ok {
		return nil
	}
	if want != mw.Checksum() {
		return fmt.Errorf("checksum mismatch: weights may be corrupted")
	}
	return nil
}
