// Package video は動画生成ジョブのスキーマ検証・転送・実行を提供します。
package video

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SizePreset は出力解像度プリセットを表します。
type SizePreset string

const (
	Size480 SizePreset = "infinitetalk-480"
	Size720 SizePreset = "infinitetalk-720"
)

// GenerationMode は生成モードを表します。
type GenerationMode string

const (
	ModeClip      GenerationMode = "clip"
	ModeStreaming GenerationMode = "streaming"
)

// AudioType は2話者音声の合成方法を表します。
type AudioType string

const (
	AudioTypePara AudioType = "para"
	AudioTypeAdd  AudioType = "add"
)

// StoreKind は成果物の保存先種別を表します。
type StoreKind string

const (
	StoreS3     StoreKind = "s3"
	StoreVolume StoreKind = "volume"
	StoreInline StoreKind = "inline"
)

// QuantMode は量子化モードを表します。
type QuantMode string

const (
	QuantInt8 QuantMode = "int8"
	QuantFP8  QuantMode = "fp8"
)

// OutputConfig は成果物の配送先設定です。
type OutputConfig struct {
	Store        StoreKind `json:"store,omitempty" yaml:"store"`
	Bucket       string    `json:"bucket,omitempty" yaml:"bucket"`
	Region       string    `json:"region,omitempty" yaml:"region"`
	Prefix       string    `json:"prefix,omitempty" yaml:"prefix"`
	VideoURL     string    `json:"video_url,omitempty" yaml:"video_url"`
	ThumbnailURL string    `json:"thumbnail_url,omitempty" yaml:"thumbnail_url"`
}

// TTSAudio は音声合成による音声指定です。
type TTSAudio struct {
	Text        string `json:"text"`
	Human1Voice string `json:"human1_voice,omitempty"`
	Human2Voice string `json:"human2_voice,omitempty"`
}

// CondAudio は話者ごとの音声参照（URL / base64 / ローカルパス）です。
type CondAudio struct {
	Person1 string `json:"person1,omitempty"`
	Person2 string `json:"person2,omitempty"`
}

// Payload は1件の生成リクエストです。
type Payload struct {
	Prompt          string     `json:"prompt"`
	CondVideo       string     `json:"cond_video"`
	CondVideoSHA256 string     `json:"cond_video_sha256,omitempty"`
	CondAudio       *CondAudio `json:"cond_audio,omitempty"`
	TTSAudio        *TTSAudio  `json:"tts_audio,omitempty"`
	AudioType       AudioType  `json:"audio_type,omitempty"`
	BBox            []int      `json:"bbox,omitempty"`

	Size                    SizePreset     `json:"size"`
	Mode                    GenerationMode `json:"mode"`
	FrameNum                int            `json:"frame_num"`
	MaxFrameNum             int            `json:"max_frame_num"`
	SampleSteps             int            `json:"sample_steps"`
	SampleTextGuideScale    float64        `json:"sample_text_guide_scale"`
	SampleAudioGuideScale   float64        `json:"sample_audio_guide_scale"`
	MotionFrame             int            `json:"motion_frame"`
	ColorCorrectionStrength float64        `json:"color_correction_strength"`
	UseTeaCache             bool           `json:"use_teacache"`
	TeaCacheThresh          float64        `json:"teacache_thresh"`
	UseAPG                  bool           `json:"use_apg"`
	APGMomentum             float64        `json:"apg_momentum"`
	APGNormThreshold        float64        `json:"apg_norm_threshold"`
	BaseSeed                int64          `json:"base_seed"`
	NumPersistentParamInDit *int64         `json:"num_persistent_param_in_dit,omitempty"`
	OffloadModel            *bool          `json:"offload_model,omitempty"`
	Quant                   QuantMode      `json:"quant,omitempty"`
	QuantDir                string         `json:"quant_dir,omitempty"`
	NPrompt                 string         `json:"n_prompt,omitempty"`

	OutputConfig *OutputConfig `json:"output_config,omitempty"`
}

// BatchItem はバッチ内の1アイテムです。output_config を持たない場合は
// エンベロープ側の設定を継承します。
type BatchItem struct {
	ID string `json:"id,omitempty"`
	Payload

	// SeedSet は呼び出し側が base_seed を明示したかを示します。
	SeedSet bool `json:"-"`
}

// Envelope は送信ペイロードの外側構造です。
type Envelope struct {
	Input json.RawMessage `json:"input"`
}

// NormalizedInput は正規化・検証済みの入力です。
type NormalizedInput struct {
	Single       *Payload
	Batch        []*BatchItem
	OutputConfig *OutputConfig
	SeedSet      bool
}

// IsBatch はバッチ入力かどうかを返します。
func (n *NormalizedInput) IsBatch() bool {
	return len(n.Batch) > 0
}

// Defaults はオペレーター提供のデフォルト値ドキュメントです。
// generation.* が生成パラメータ、output が既定の保存先設定です。
type Defaults struct {
	Generation map[string]any `yaml:"generation"`
	Output     *OutputConfig  `yaml:"output"`
}

// LoadDefaults はYAMLのデフォルトドキュメントを読み込みます。
// ファイルが存在しない場合は空のデフォルトを返します。
func LoadDefaults(path string) (*Defaults, error) {
	if path == "" {
		return &Defaults{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Defaults{}, nil
		}
		return nil, fmt.Errorf("failed to read defaults document: %w", err)
	}
	var defaults Defaults
	if err := yaml.Unmarshal(data, &defaults); err != nil {
		return nil, fmt.Errorf("failed to parse defaults document: %w", err)
	}
	return &defaults, nil
}

// defaultPayload は組み込みのフィールド既定値を返します。
func defaultPayload() Payload {
	return Payload{
		Size:                    Size480,
		Mode:                    ModeClip,
		FrameNum:                81,
		MaxFrameNum:             1000,
		SampleSteps:             40,
		SampleTextGuideScale:    5.0,
		SampleAudioGuideScale:   4.0,
		MotionFrame:             9,
		ColorCorrectionStrength: 1.0,
		TeaCacheThresh:          0.2,
		APGMomentum:             -0.75,
		APGNormThreshold:        55.0,
		BaseSeed:                42,
	}
}

// NormalizeAndValidate はエンベロープを正規化・検証します。
// マージ優先順位は 呼び出し側 > デフォルトドキュメント > 組み込み既定値。
// エンベロープ構造 → フィールド単位 → フィールド横断の順で検査し、
// 最初の違反を対象フィールド名入りのエラーとして即座に返します。
// 検証はアトミックで、部分的な受理はありません。I/Oは行いません。
// 正規化済みペイロードへの再適用は冪等です。
func NormalizeAndValidate(env *Envelope, defaults *Defaults) (*NormalizedInput, error) {
	if env == nil || len(env.Input) == 0 {
		return nil, newError(CodeInputValidation, "input is required", nil)
	}
	if defaults == nil {
		defaults = &Defaults{}
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(env.Input, &probe); err != nil {
		return nil, newError(CodeInputValidation, fmt.Sprintf("input must be a JSON object: %v", err), err)
	}

	batchRaw, isBatch := probe["batch"]
	if !isBatch {
		item, err := normalizeItem(env.Input, defaults, true)
		if err != nil {
			return nil, err
		}
		return &NormalizedInput{Single: &item.Payload, SeedSet: item.SeedSet}, nil
	}

	var rawItems []json.RawMessage
	if err := json.Unmarshal(batchRaw, &rawItems); err != nil || len(rawItems) == 0 {
		return nil, newError(CodeInputValidation, "batch must be a non-empty array of input objects", err)
	}

	normalized := &NormalizedInput{Batch: make([]*BatchItem, 0, len(rawItems))}
	if rawCfg, ok := probe["output_config"]; ok {
		var cfg OutputConfig
		if err := json.Unmarshal(rawCfg, &cfg); err != nil {
			return nil, newError(CodeInputValidation, fmt.Sprintf("output_config is malformed: %v", err), err)
		}
		if err := validateOutputConfig(&cfg); err != nil {
			return nil, err
		}
		normalized.OutputConfig = &cfg
	}

	for i, raw := range rawItems {
		item, err := normalizeItem(raw, defaults, false)
		if err != nil {
			return nil, newError(CodeInputValidation, fmt.Sprintf("batch[%d]: %v", i, err), err)
		}
		normalized.Batch = append(normalized.Batch, item)
	}
	return normalized, nil
}

// normalizeItem は1アイテムを正規化します。single の場合のみ
// デフォルトドキュメントの output が継承されます。
func normalizeItem(raw json.RawMessage, defaults *Defaults, single bool) (*BatchItem, error) {
	item := &BatchItem{Payload: defaultPayload()}

	if len(defaults.Generation) > 0 {
		merged, err := json.Marshal(defaults.Generation)
		if err != nil {
			return nil, newError(CodeInputValidation, fmt.Sprintf("defaults document is malformed: %v", err), err)
		}
		if err := json.Unmarshal(merged, &item.Payload); err != nil {
			return nil, newError(CodeInputValidation, fmt.Sprintf("defaults document is malformed: %v", err), err)
		}
	}

	// 呼び出し側のフィールドが最優先。未知フィールドは受理しない。
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(item); err != nil {
		return nil, newError(CodeInputValidation, fmt.Sprintf("invalid input payload: %v", err), err)
	}

	var keys map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keys); err == nil {
		_, item.SeedSet = keys["base_seed"]
	}

	if single && item.OutputConfig == nil && defaults.Output != nil {
		cfg := *defaults.Output
		item.OutputConfig = &cfg
	}

	if err := item.Payload.validate(); err != nil {
		return nil, err
	}
	return item, nil
}

// validate はフィールド単位とフィールド横断の制約を検査します。
func (p *Payload) validate() error {
	if p.Prompt == "" {
		return newError(CodeInputValidation, "prompt must be a non-empty string", nil)
	}
	if p.CondVideo == "" {
		return newError(CodeInputValidation, "cond_video is required", nil)
	}
	switch p.Size {
	case Size480, Size720:
	default:
		return newError(CodeInputValidation, fmt.Sprintf("size must be one of %s, %s", Size480, Size720), nil)
	}
	switch p.Mode {
	case ModeClip, ModeStreaming:
	default:
		return newError(CodeInputValidation, fmt.Sprintf("mode must be one of %s, %s", ModeClip, ModeStreaming), nil)
	}

	// 下流の時間方向チャンク処理が前提とする固定の数値条件
	if p.FrameNum <= 0 || (p.FrameNum-1)%4 != 0 {
		return newError(CodeInputValidation, "frame_num must be 4n+1 and positive", nil)
	}
	if p.SampleSteps < 1 || p.SampleSteps > 1000 {
		return newError(CodeInputValidation, "sample_steps must be between 1 and 1000", nil)
	}
	if p.ColorCorrectionStrength < 0 || p.ColorCorrectionStrength > 1 {
		return newError(CodeInputValidation, "color_correction_strength must be between 0 and 1", nil)
	}
	if p.BBox != nil && len(p.BBox) != 4 {
		return newError(CodeInputValidation, "bbox must be an array of 4 integers [x1,y1,x2,y2]", nil)
	}

	hasCondAudio := p.CondAudio != nil && (p.CondAudio.Person1 != "" || p.CondAudio.Person2 != "")
	hasTTS := p.TTSAudio != nil && p.TTSAudio.Text != ""
	if p.TTSAudio != nil && p.TTSAudio.Text == "" {
		return newError(CodeInputValidation, "tts_audio.text must be a non-empty string", nil)
	}
	if !hasCondAudio && !hasTTS {
		return newError(CodeInputValidation, "either cond_audio or tts_audio must be provided", nil)
	}

	if p.AudioType != "" && p.AudioType != AudioTypePara && p.AudioType != AudioTypeAdd {
		return newError(CodeInputValidation, fmt.Sprintf("audio_type must be one of %s, %s", AudioTypePara, AudioTypeAdd), nil)
	}
	if p.CondAudio != nil && p.CondAudio.Person1 != "" && p.CondAudio.Person2 != "" && p.AudioType == "" {
		return newError(CodeInputValidation, "audio_type is required when two speakers are provided (person1 & person2)", nil)
	}

	if p.Quant != "" {
		if p.Quant != QuantInt8 && p.Quant != QuantFP8 {
			return newError(CodeInputValidation, fmt.Sprintf("quant must be one of %s, %s", QuantInt8, QuantFP8), nil)
		}
		if p.QuantDir == "" {
			return newError(CodeInputValidation, "quant_dir must be provided when quant is set", nil)
		}
	}

	if p.OutputConfig != nil {
		if err := validateOutputConfig(p.OutputConfig); err != nil {
			return err
		}
	}
	return nil
}

func validateOutputConfig(cfg *OutputConfig) error {
	switch cfg.Store {
	case "", StoreS3, StoreVolume, StoreInline:
		return nil
	default:
		return newError(CodeInputValidation, fmt.Sprintf("output_config.store must be one of %s, %s, %s", StoreS3, StoreVolume, StoreInline), nil)
	}
}
