// Package storage 提供了与对象存储服务（如 MinIO）交互的功能。
// 本服务用它归档首次摄取的转写原文，便于审计与日后重新处理。
package storage

import (
	"context"
	"fmt"
	"strings"

	"comms-rag-go/internal/config"
	"comms-rag-go/pkg/log"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioClient 是一个全局的 MinIO 客户端实例。
var MinioClient *minio.Client

// InitMinIO 初始化 MinIO 客户端并确保归档存储桶存在。
func InitMinIO(cfg config.MinIOConfig) {
	var err error

	MinioClient, err = minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		log.Fatal("初始化 MinIO 客户端失败", err)
	}

	log.Info("MinIO 客户端初始化成功")

	// 检查存储桶 (Bucket) 是否存在，如果不存在则创建
	ctx := context.Background()
	bucketName := cfg.BucketName
	exists, err := MinioClient.BucketExists(ctx, bucketName)
	if err != nil {
		log.Fatal("检查 MinIO 存储桶失败", err)
	}

	if !exists {
		log.Infof("存储桶 '%s' 不存在，正在创建...", bucketName)
		err = MinioClient.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{})
		if err != nil {
			log.Fatal("创建 MinIO 存储桶失败", err)
		}
		log.Infof("存储桶 '%s' 创建成功", bucketName)
	} else {
		log.Infof("存储桶 '%s' 已存在", bucketName)
	}
}

// TranscriptObjectName 返回某个指纹对应的归档对象名。
func TranscriptObjectName(fingerprint string) string {
	return fmt.Sprintf("transcripts/%s.txt", fingerprint)
}

// ArchiveTranscript 把转写原文按指纹归档。同指纹重复写入会覆盖同一对象，天然幂等。
func ArchiveTranscript(ctx context.Context, bucketName, fingerprint, transcript string) error {
	objectName := TranscriptObjectName(fingerprint)
	reader := strings.NewReader(transcript)
	_, err := MinioClient.PutObject(ctx, bucketName, objectName, reader, int64(reader.Len()), minio.PutObjectOptions{
		ContentType: "text/plain; charset=utf-8",
	})
	if err != nil {
		return fmt.Errorf("归档转写原文失败 (object=%s): %w", objectName, err)
	}
	return nil
}
