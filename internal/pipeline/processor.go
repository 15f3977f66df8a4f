// Package pipeline 定义了消息摄取的核心流程：
// 过滤 → 内容指纹去重 → 分块 → 向量化 → 按受众路由存储。
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"comms-rag-go/internal/chunker"
	"comms-rag-go/internal/config"
	"comms-rag-go/internal/model"
	"comms-rag-go/internal/repository"
	"comms-rag-go/internal/vectorstore"
	"comms-rag-go/pkg/checksum"
	"comms-rag-go/pkg/embedding"
	"comms-rag-go/pkg/log"
	"comms-rag-go/pkg/tasks"
)

// Outcome 是单条消息处理的终态。
type Outcome string

const (
	// OutcomeSkippedNoTranscript 转写文本为空，未处理。
	OutcomeSkippedNoTranscript Outcome = "skipped_no_transcript"
	// OutcomeSkippedNoValidTarget 没有任何受众命中白名单，未处理。
	OutcomeSkippedNoValidTarget Outcome = "skipped_no_valid_target"
	// OutcomeSkippedDuplicate 同一消息 ID 重复投递，幂等跳过。
	OutcomeSkippedDuplicate Outcome = "skipped_duplicate"
	// OutcomeMerged 内容相同的新消息仅合并进既有去重记录，不生成新向量。
	OutcomeMerged Outcome = "merged"
	// OutcomeStored 完整走完分块、向量化、存储。
	OutcomeStored Outcome = "stored"
	// OutcomeFailed 处理过程中出错，该消息被放弃，等待重投递。
	OutcomeFailed Outcome = "failed"
)

// Result 是管道对单条消息的处理结果。用返回值而不是异常承载跳过原因，
// 方便批次级聚合统计。
type Result struct {
	MessageID    string
	Outcome      Outcome
	ChunksStored int
	Err          error
}

// TranscriptArchiver 把首见的转写原文归档到对象存储。
type TranscriptArchiver interface {
	ArchiveTranscript(ctx context.Context, fingerprint, transcript string) error
}

// Processor 封装了消息摄取的所有依赖和逻辑。
type Processor struct {
	embeddingClient embedding.Client
	router          vectorstore.Router
	dedupRepo       repository.DedupRepository
	archiver        TranscriptArchiver // 可为 nil（归档关闭）
	ingestCfg       config.IngestConfig

	allowSet map[string]struct{}
}

// NewProcessor 创建一个新的 Processor 实例。archiver 传 nil 表示不归档。
func NewProcessor(
	embeddingClient embedding.Client,
	router vectorstore.Router,
	dedupRepo repository.DedupRepository,
	archiver TranscriptArchiver,
	ingestCfg config.IngestConfig,
) *Processor {
	allowSet := make(map[string]struct{}, len(ingestCfg.AllowedTargets))
	for _, t := range ingestCfg.AllowedTargets {
		allowSet[t] = struct{}{}
	}
	return &Processor{
		embeddingClient: embeddingClient,
		router:          router,
		dedupRepo:       dedupRepo,
		archiver:        archiver,
		ingestCfg:       ingestCfg,
		allowSet:        allowSet,
	}
}

// ProcessBatch 顺序处理一个批次内的全部消息。
// 每条消息有独立的错误边界：单条失败只产出 failed 结果，不会中断批次。
func (p *Processor) ProcessBatch(ctx context.Context, batch tasks.ChangeBatch) []Result {
	log.Infof("[Processor] 开始处理批次, BatchID: %s, 消息数: %d", batch.BatchID, len(batch.Messages))
	results := make([]Result, 0, len(batch.Messages))
	for _, msg := range batch.Messages {
		result := p.processMessage(ctx, msg)
		if result.Err != nil {
			log.Errorf("[Processor] 消息处理失败, MessageID: %s, Error: %v", msg.MessageID, result.Err)
		}
		results = append(results, result)
	}
	log.Infof("[Processor] 批次处理完毕, BatchID: %s", batch.BatchID)
	return results
}

// processMessage 处理单条消息，返回终态结果。
func (p *Processor) processMessage(ctx context.Context, msg tasks.SourceMessage) Result {
	// 步骤1: 过滤。转写为空或没有受众命中白名单的消息直接跳过。
	transcript := msg.Transcript
	if strings.TrimSpace(transcript) == "" {
		log.Infof("[Processor] 跳过无转写文本的消息, MessageID: %s", msg.MessageID)
		return Result{MessageID: msg.MessageID, Outcome: OutcomeSkippedNoTranscript}
	}
	eligibleTargets := p.eligibleTargets(msg)
	if len(eligibleTargets) == 0 {
		log.Infof("[Processor] 跳过无有效受众的消息, MessageID: %s, 受众: %v", msg.MessageID, msg.TargetIDs())
		return Result{MessageID: msg.MessageID, Outcome: OutcomeSkippedNoValidTarget}
	}

	// 步骤2: 计算指纹并查询去重记录。
	fingerprint := checksum.Fingerprint(transcript)
	record, err := p.dedupRepo.FindByFingerprint(fingerprint)
	if err != nil {
		return Result{MessageID: msg.MessageID, Outcome: OutcomeFailed,
			Err: fmt.Errorf("查询去重记录失败: %w", err)}
	}

	if record != nil {
		if record.HasMessage(msg.MessageID) {
			// 同一消息被重复投递（至少一次语义），幂等跳过
			log.Infof("[Processor] 消息已处理过, 幂等跳过, MessageID: %s", msg.MessageID)
			return Result{MessageID: msg.MessageID, Outcome: OutcomeSkippedDuplicate}
		}

		// 不同消息、相同内容：追加映射后复用既有向量，不再生成新向量。
		// 注意这里存在已知的可见性缺口：新消息独有的受众集合不会得到向量
		// 副本，该受众检索不到这段内容。按现行策略只告警，留待人工评估。
		record.TargetMappings = append(record.TargetMappings, model.TargetMapping{
			MessageID: msg.MessageID,
			TargetIDs: eligibleTargets,
		})
		if err := p.dedupRepo.Upsert(record); err != nil {
			return Result{MessageID: msg.MessageID, Outcome: OutcomeFailed,
				Err: fmt.Errorf("合并去重记录失败: %w", err)}
		}
		log.Warnf("[Processor] 检测到跨消息的内容碰撞, 已合并不再生成向量. Fingerprint: %s, 原消息: %s, 新消息: %s",
			fingerprint, record.RepresentativeMessageID, msg.MessageID)
		return Result{MessageID: msg.MessageID, Outcome: OutcomeMerged}
	}

	// 步骤3: 首见内容，建去重记录并走完整管道。
	newRecord := &model.MessageDedupRecord{
		Fingerprint:             fingerprint,
		RepresentativeMessageID: msg.MessageID,
		TargetMappings: model.TargetMappings{
			{MessageID: msg.MessageID, TargetIDs: eligibleTargets},
		},
	}
	if err := p.dedupRepo.Upsert(newRecord); err != nil {
		return Result{MessageID: msg.MessageID, Outcome: OutcomeFailed,
			Err: fmt.Errorf("创建去重记录失败: %w", err)}
	}

	// 归档转写原文（失败只告警，不影响管道）
	if p.archiver != nil {
		if err := p.archiver.ArchiveTranscript(ctx, fingerprint, transcript); err != nil {
			log.Warnf("[Processor] 归档转写原文失败, MessageID: %s: %v", msg.MessageID, err)
		}
	}

	// 防御性清理：该消息若曾被处理过（例如转写变更后重新投递），先删掉旧向量
	if err := p.router.DeleteByMessageID(ctx, msg.MessageID, eligibleTargets); err != nil {
		log.Warnf("[Processor] 清理消息旧向量失败, MessageID: %s: %v", msg.MessageID, err)
	}

	// 步骤4: 分块。
	chunks := chunker.Split(transcript, p.ingestCfg.ChunkThresholdWords)
	log.Infof("[Processor] 文本分块完成, MessageID: %s, 共 %d 个分块", msg.MessageID, len(chunks))
	if len(chunks) == 0 {
		// 过滤之后不应出现，按无事可做处理而不是报错
		return Result{MessageID: msg.MessageID, Outcome: OutcomeStored, ChunksStored: 0}
	}

	// 步骤5: 逐块向量化并按受众路由存储，序号从 1 开始。
	stored := 0
	for i, chunk := range chunks {
		sequence := i + 1
		vector, err := p.embedWithRetry(ctx, p.embedInput(msg, chunk))
		if err != nil {
			return Result{MessageID: msg.MessageID, Outcome: OutcomeFailed, ChunksStored: stored,
				Err: fmt.Errorf("分块 %d 向量化失败: %w", sequence, err)}
		}

		vectorRecord := model.VectorRecord{
			RecordID:      fmt.Sprintf("%s-%d", msg.MessageID, sequence),
			MessageID:     msg.MessageID,
			VectorKind:    model.VectorKindTranscript,
			SourceText:    chunk,
			ChunkSequence: sequence,
			Vector:        vector,
		}
		if err := p.router.UpsertVector(ctx, vectorRecord, eligibleTargets); err != nil {
			return Result{MessageID: msg.MessageID, Outcome: OutcomeFailed, ChunksStored: stored,
				Err: fmt.Errorf("分块 %d 存储失败: %w", sequence, err)}
		}
		stored++
	}

	log.Infof("[Processor] 消息处理成功, MessageID: %s, 存储分块数: %d, 受众: %v",
		msg.MessageID, stored, eligibleTargets)
	return Result{MessageID: msg.MessageID, Outcome: OutcomeStored, ChunksStored: stored}
}

// eligibleTargets 返回命中白名单的受众 ID，保持消息内的原始顺序。
func (p *Processor) eligibleTargets(msg tasks.SourceMessage) []string {
	var targets []string
	for _, t := range msg.Targets {
		if _, ok := p.allowSet[t.TargetID]; ok {
			targets = append(targets, t.TargetID)
		}
	}
	return targets
}

// embedInput 可选地在向量化前给分块文本附加受众显示名等兄弟字段。
func (p *Processor) embedInput(msg tasks.SourceMessage, chunk string) string {
	if !p.ingestCfg.EnrichChunks {
		return chunk
	}
	names := make([]string, 0, len(msg.Targets))
	for _, t := range msg.Targets {
		if t.DisplayName != "" {
			names = append(names, t.DisplayName)
		}
	}
	if len(names) == 0 {
		return chunk
	}
	return fmt.Sprintf("[%s] %s", strings.Join(names, ", "), chunk)
}

// embedWithRetry 带退避地重试瞬时的向量化失败（限流、超时等）。
// 重试耗尽后放弃这条消息，由重投递完成恢复。
func (p *Processor) embedWithRetry(ctx context.Context, text string) ([]float32, error) {
	retries := p.ingestCfg.EmbedRetries
	if retries < 0 {
		retries = 0
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * time.Second
			log.Warnf("[Processor] 向量化第 %d 次重试, 退避 %s", attempt, backoff)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
		vector, err := p.embeddingClient.CreateEmbedding(ctx, text)
		if err == nil {
			return vector, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
