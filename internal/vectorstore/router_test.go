package vectorstore

import (
	"context"
	"testing"

	"comms-rag-go/internal/config"
	"comms-rag-go/internal/model"

	"github.com/stretchr/testify/assert"
)

func newTestRouter() Router {
	return NewRouter(
		config.ElasticsearchConfig{IndexPrefix: "msgvec", Similarity: "cosine"},
		config.EmbeddingConfig{Dimensions: 4},
	)
}

func TestCollectionNameForDeterministic(t *testing.T) {
	r := newTestRouter()
	assert.Equal(t, "msgvec-t1", r.CollectionNameFor("t1"))
	assert.Equal(t, r.CollectionNameFor("t1"), r.CollectionNameFor("t1"))
	assert.NotEqual(t, r.CollectionNameFor("t1"), r.CollectionNameFor("t2"))
}

func TestUpsertVectorRejectsEmptyTargetSet(t *testing.T) {
	r := newTestRouter()
	rec := model.VectorRecord{RecordID: "m1-1", MessageID: "m1", ChunkSequence: 1}
	err := r.UpsertVector(context.Background(), rec, nil)
	assert.ErrorIs(t, err, ErrEmptyTargetSet)
}

func TestUpsertVectorValidatesRecordBeforeAnyStoreCall(t *testing.T) {
	r := newTestRouter()

	err := r.UpsertVector(context.Background(), model.VectorRecord{MessageID: "m1", ChunkSequence: 1}, []string{"t1"})
	assert.ErrorIs(t, err, model.ErrVectorRecordMissingID)

	err = r.UpsertVector(context.Background(), model.VectorRecord{RecordID: "m1-1", ChunkSequence: 1}, []string{"t1"})
	assert.ErrorIs(t, err, model.ErrVectorRecordMissingMessageID)

	err = r.UpsertVector(context.Background(), model.VectorRecord{RecordID: "m1-0", MessageID: "m1", ChunkSequence: 0}, []string{"t1"})
	assert.ErrorIs(t, err, model.ErrVectorRecordBadChunkSequence)
}

func TestSearchRejectsEmptyAudience(t *testing.T) {
	r := newTestRouter()
	_, err := r.Search(context.Background(), "", []float32{0.1, 0.2}, 5)
	assert.ErrorIs(t, err, ErrEmptyAudience)
}
