package storage

// ArtifactType は成果物の種別を表します。
type ArtifactType string

const (
	ArtifactVideo     ArtifactType = "video"
	ArtifactThumbnail ArtifactType = "thumbnail"
	ArtifactMetadata  ArtifactType = "metadata"
)

// Artifact は成果物レコードです。video は URL か Path の少なくとも
// 一方を持ち、実ファイルが存在する時点で Bytes が確定します。
type Artifact struct {
	Type   ArtifactType `json:"type"`
	URL    string       `json:"url,omitempty"`
	Path   string       `json:"path,omitempty"`
	MIME   string       `json:"mime,omitempty"`
	Bytes  int64        `json:"bytes,omitempty"`
	Base64 string       `json:"base64,omitempty"`
}

// NewArtifact は成果物レコードを作成します。
func NewArtifact(typ ArtifactType, artifactURL, localPath, mime string, bytes int64) Artifact {
	return Artifact{
		Type:  typ,
		URL:   artifactURL,
		Path:  localPath,
		MIME:  mime,
		Bytes: bytes,
	}
}
