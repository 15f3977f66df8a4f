// Package vectorstore 把受众 ID 路由到物理向量集合，并负责集合的惰性创建。
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"comms-rag-go/internal/config"
	"comms-rag-go/internal/model"
	"comms-rag-go/pkg/es"
	"comms-rag-go/pkg/log"
)

// 路由层的校验错误：属于调用方责任，不做自动重试。
var (
	ErrEmptyTargetSet = errors.New("vectorstore: upsert requires at least one target id")
	ErrEmptyAudience  = errors.New("vectorstore: search requires a non-empty target id")
)

// Router 定义了按受众路由的向量集合操作。
type Router interface {
	// CollectionNameFor 把受众 ID 映射为物理集合名，纯函数。
	CollectionNameFor(targetID string) string
	// EnsureCollection 幂等地确认集合存在且带相似度索引，进程内缓存已确认的集合名。
	EnsureCollection(ctx context.Context, name string) error
	// WarmupKnownCollections 在启动时列举既有集合重建已确认缓存。
	WarmupKnownCollections(ctx context.Context)
	// UpsertVector 把向量记录写入每个受众的集合（存在即替换）。
	UpsertVector(ctx context.Context, record model.VectorRecord, targetIDs []string) error
	// DeleteByMessageID 删除各受众集合中某条源消息的全部向量记录。
	DeleteByMessageID(ctx context.Context, messageID string, targetIDs []string) error
	// Search 在单个受众的集合上执行近邻检索；集合不存在返回空结果。
	Search(ctx context.Context, targetID string, queryVector []float32, topK int) ([]model.SearchHit, error)
}

type esRouter struct {
	esCfg        config.ElasticsearchConfig
	embeddingCfg config.EmbeddingConfig

	mu       sync.Mutex
	verified map[string]struct{}
}

// NewRouter 创建一个基于 Elasticsearch 的向量集合路由器。
func NewRouter(esCfg config.ElasticsearchConfig, embeddingCfg config.EmbeddingConfig) Router {
	return &esRouter{
		esCfg:        esCfg,
		embeddingCfg: embeddingCfg,
		verified:     make(map[string]struct{}),
	}
}

func (r *esRouter) CollectionNameFor(targetID string) string {
	return r.esCfg.IndexPrefix + "-" + targetID
}

// WarmupKnownCollections 在启动时列举既有集合重建已确认缓存。
// 缓存只存在于进程内，不单独持久化，避免与存储的真实状态产生分叉。
func (r *esRouter) WarmupKnownCollections(ctx context.Context) {
	names, err := es.ListIndices(ctx, r.esCfg.IndexPrefix+"-*")
	if err != nil {
		log.Warnf("[VectorStore] 启动时列举既有向量集合失败: %v", err)
		return
	}
	r.mu.Lock()
	for _, name := range names {
		r.verified[name] = struct{}{}
	}
	r.mu.Unlock()
	log.Infof("[VectorStore] 启动时重建已知集合缓存, 共 %d 个集合", len(names))
}

func (r *esRouter) EnsureCollection(ctx context.Context, name string) error {
	r.mu.Lock()
	_, ok := r.verified[name]
	r.mu.Unlock()
	if ok {
		return nil
	}

	exists, err := es.IndexExists(ctx, name)
	if err != nil {
		return fmt.Errorf("检查向量集合 '%s' 失败: %w", name, err)
	}
	if !exists {
		// 索引创建失败对该集合是致命的，直接上抛
		if err := es.CreateVectorIndex(ctx, name, r.embeddingCfg.Dimensions, r.esCfg.Similarity); err != nil {
			return fmt.Errorf("创建向量集合 '%s' 失败: %w", name, err)
		}
	}

	r.mu.Lock()
	r.verified[name] = struct{}{}
	r.mu.Unlock()
	return nil
}

func (r *esRouter) UpsertVector(ctx context.Context, record model.VectorRecord, targetIDs []string) error {
	if err := record.Validate(); err != nil {
		return err
	}
	if len(targetIDs) == 0 {
		return ErrEmptyTargetSet
	}

	// 各受众集合互相独立：全部尝试，失败聚合上报，由重投递完成恢复，
	// 不做跨集合回滚。
	var errs []error
	for _, targetID := range targetIDs {
		name := r.CollectionNameFor(targetID)
		if err := r.EnsureCollection(ctx, name); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := es.IndexVectorRecord(ctx, name, record); err != nil {
			errs = append(errs, fmt.Errorf("写入集合 '%s' 失败: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (r *esRouter) DeleteByMessageID(ctx context.Context, messageID string, targetIDs []string) error {
	var errs []error
	for _, targetID := range targetIDs {
		name := r.CollectionNameFor(targetID)
		if err := es.DeleteByMessageID(ctx, name, messageID); err != nil {
			errs = append(errs, fmt.Errorf("从集合 '%s' 删除消息 '%s' 的向量失败: %w", name, messageID, err))
		}
	}
	return errors.Join(errs...)
}

func (r *esRouter) Search(ctx context.Context, targetID string, queryVector []float32, topK int) ([]model.SearchHit, error) {
	if targetID == "" {
		return nil, ErrEmptyAudience
	}
	if topK <= 0 {
		topK = 10
	}
	return es.KnnSearch(ctx, r.CollectionNameFor(targetID), queryVector, topK)
}
