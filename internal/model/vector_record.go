package model

import "errors"

// VectorKindTranscript 是当前唯一的向量类型标签。
const VectorKindTranscript = "transcript"

// 向量记录写入前的校验错误。缺失这些字段的记录日后既无法删除也无法去重，
// 因此在任何存储调用之前快速失败。
var (
	ErrVectorRecordMissingID        = errors.New("vector record: missing record id")
	ErrVectorRecordMissingMessageID = errors.New("vector record: missing message id")
	ErrVectorRecordBadChunkSequence = errors.New("vector record: chunk sequence must start at 1")
)

// VectorRecord 是写入向量集合的文档结构。
// 记录 ID 形如 "{messageId}-{chunkSequence}"；同一逻辑分块会在每个命中受众的
// 集合中各存一份物理副本，以保证按受众检索的局部性。
type VectorRecord struct {
	RecordID      string    `json:"record_id"`
	MessageID     string    `json:"message_id"`
	VectorKind    string    `json:"vector_kind"`
	SourceText    string    `json:"source_text"`
	ChunkSequence int       `json:"chunk_sequence"`
	Vector        []float32 `json:"vector"`
}

// Validate 校验必填字段，任何存储调用之前必须通过。
func (r *VectorRecord) Validate() error {
	if r.RecordID == "" {
		return ErrVectorRecordMissingID
	}
	if r.MessageID == "" {
		return ErrVectorRecordMissingMessageID
	}
	if r.ChunkSequence < 1 {
		return ErrVectorRecordBadChunkSequence
	}
	return nil
}

// SearchHit 是按受众检索返回的单条结果。
type SearchHit struct {
	VectorKind string  `json:"vectorKind"`
	SourceText string  `json:"sourceText"`
	MessageID  string  `json:"messageId"`
	Score      float64 `json:"score"`
}
