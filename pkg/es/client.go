// Package es 提供了与 Elasticsearch 交互的客户端功能。
// 每个受众对应一个独立的索引（即一个向量集合），索引操作都以索引名为参数。
package es

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"comms-rag-go/internal/config"
	"comms-rag-go/internal/model"
	"comms-rag-go/pkg/log"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

var ESClient *elasticsearch.Client

// InitES 初始化 Elasticsearch 客户端。索引按需在首次写入时创建。
func InitES(esCfg config.ElasticsearchConfig) error {
	cfg := elasticsearch.Config{
		Addresses: []string{esCfg.Addresses},
		Username:  esCfg.Username,
		Password:  esCfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	client, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return err
	}
	ESClient = client
	return nil
}

// IndexExists 检查索引是否存在。
func IndexExists(ctx context.Context, indexName string) (bool, error) {
	res, err := ESClient.Indices.Exists([]string{indexName}, ESClient.Indices.Exists.WithContext(ctx))
	if err != nil {
		return false, err
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusOK {
		return true, nil
	}
	if res.StatusCode == http.StatusNotFound {
		return false, nil
	}
	return false, fmt.Errorf("检查索引 '%s' 是否存在时收到意外的状态码: %d", indexName, res.StatusCode)
}

// CreateVectorIndex 创建带相似度索引的向量集合。
// 并发创建同名索引时 ES 返回 resource_already_exists_exception，视为成功；
// 其余失败必须上抛——没有向量索引的写入会得到一个查不到的集合，属于静默
// 正确性问题，比显式失败更糟。
func CreateVectorIndex(ctx context.Context, indexName string, dims int, similarity string) error {
	if similarity == "" {
		similarity = "cosine"
	}
	mapping := fmt.Sprintf(`{
		"mappings": {
			"properties": {
				"record_id": { "type": "keyword" },
				"message_id": { "type": "keyword" },
				"vector_kind": { "type": "keyword" },
				"source_text": { "type": "text" },
				"chunk_sequence": { "type": "integer" },
				"vector": {
					"type": "dense_vector",
					"dims": %d,
					"index": true,
					"similarity": "%s"
				}
			}
		}
	}`, dims, similarity)

	res, err := ESClient.Indices.Create(
		indexName,
		ESClient.Indices.Create.WithContext(ctx),
		ESClient.Indices.Create.WithBody(strings.NewReader(mapping)),
	)
	if err != nil {
		log.Errorf("创建索引 '%s' 失败: %v", indexName, err)
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		body := res.String()
		if strings.Contains(body, "resource_already_exists_exception") {
			log.Infof("索引 '%s' 已由并发创建者建立", indexName)
			return nil
		}
		log.Errorf("创建索引 '%s' 时 Elasticsearch 返回错误: %s", indexName, body)
		return fmt.Errorf("创建向量索引 '%s' 失败: %s", indexName, res.Status())
	}

	log.Infof("索引 '%s' 创建成功, dims=%d, similarity=%s", indexName, dims, similarity)
	return nil
}

// ListIndices 返回匹配前缀模式的全部索引名，用于进程启动时重建已知集合缓存。
func ListIndices(ctx context.Context, pattern string) ([]string, error) {
	res, err := ESClient.Indices.Get(
		[]string{pattern},
		ESClient.Indices.Get.WithContext(ctx),
		ESClient.Indices.Get.WithExpandWildcards("open"),
	)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if res.IsError() {
		return nil, fmt.Errorf("列举索引失败: %s", res.String())
	}

	var indices map[string]json.RawMessage
	if err := json.NewDecoder(res.Body).Decode(&indices); err != nil {
		return nil, fmt.Errorf("解析索引列表失败: %w", err)
	}
	names := make([]string, 0, len(indices))
	for name := range indices {
		names = append(names, name)
	}
	return names, nil
}

// IndexVectorRecord 以 record_id 为文档 ID 写入向量记录（存在即替换）。
func IndexVectorRecord(ctx context.Context, indexName string, record model.VectorRecord) error {
	docBytes, err := json.Marshal(record)
	if err != nil {
		return err
	}

	req := esapi.IndexRequest{
		Index:      indexName,
		DocumentID: record.RecordID,
		Body:       bytes.NewReader(docBytes),
		Refresh:    "true",
	}

	res, err := req.Do(ctx, ESClient)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		log.Errorf("索引向量记录到 Elasticsearch 出错: %s", res.String())
		return errors.New("failed to index vector record")
	}
	return nil
}

// DeleteByMessageID 删除索引中某条源消息的全部向量记录。索引不存在视为无事可做。
func DeleteByMessageID(ctx context.Context, indexName string, messageID string) error {
	query := map[string]interface{}{
		"query": map[string]interface{}{
			"term": map[string]interface{}{
				"message_id": messageID,
			},
		},
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(query); err != nil {
		return err
	}

	res, err := ESClient.DeleteByQuery(
		[]string{indexName},
		&buf,
		ESClient.DeleteByQuery.WithContext(ctx),
		ESClient.DeleteByQuery.WithRefresh(true),
	)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return nil
	}
	if res.IsError() {
		log.Errorf("按 message_id 删除向量记录失败: %s", res.String())
		return fmt.Errorf("delete by message id failed: %s", res.Status())
	}
	return nil
}

// KnnSearch 在指定索引上执行近似最近邻检索，按相似度降序返回至多 topK 条命中。
// 索引不存在时返回空结果而不是错误。
func KnnSearch(ctx context.Context, indexName string, queryVector []float32, topK int) ([]model.SearchHit, error) {
	esQuery := map[string]interface{}{
		"knn": map[string]interface{}{
			"field":          "vector",
			"query_vector":   queryVector,
			"k":              topK,
			"num_candidates": topK * 10,
		},
		"size": topK,
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(esQuery); err != nil {
		return nil, fmt.Errorf("failed to encode es query: %w", err)
	}

	res, err := ESClient.Search(
		ESClient.Search.WithContext(ctx),
		ESClient.Search.WithIndex(indexName),
		ESClient.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch search failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		log.Infof("索引 '%s' 不存在, 返回空检索结果", indexName)
		return []model.SearchHit{}, nil
	}
	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch returned an error: %s", res.String())
	}

	var esResponse struct {
		Hits struct {
			Hits []struct {
				Source model.VectorRecord `json:"_source"`
				Score  float64            `json:"_score"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&esResponse); err != nil {
		return nil, fmt.Errorf("failed to decode es response: %w", err)
	}

	hits := make([]model.SearchHit, 0, len(esResponse.Hits.Hits))
	for _, h := range esResponse.Hits.Hits {
		hits = append(hits, model.SearchHit{
			VectorKind: h.Source.VectorKind,
			SourceText: h.Source.SourceText,
			MessageID:  h.Source.MessageID,
			Score:      h.Score,
		})
	}
	return hits, nil
}
