package pipeline

import (
	"context"

	"comms-rag-go/pkg/storage"
)

// minioArchiver 基于 MinIO 的转写原文归档实现。
type minioArchiver struct {
	bucketName string
}

// NewMinioArchiver 创建一个把转写原文归档到指定存储桶的 TranscriptArchiver。
func NewMinioArchiver(bucketName string) TranscriptArchiver {
	return &minioArchiver{bucketName: bucketName}
}

func (a *minioArchiver) ArchiveTranscript(ctx context.Context, fingerprint, transcript string) error {
	return storage.ArchiveTranscript(ctx, a.bucketName, fingerprint, transcript)
}
