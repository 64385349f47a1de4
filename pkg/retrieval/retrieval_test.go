package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nikogura/resume-workflow/pkg/session"
)

// stubService returns canned rankings.
type stubService struct {
	ranked []Ranked
	err    error
	calls  int
}

func (s *stubService) Rank(ctx context.Context, jobText string, corpus []session.CandidateBlock, k int) (ranked []Ranked, err error) {
	s.calls++
	ranked, err = s.ranked, s.err
	return ranked, err
}

func tenBlocks() (blocks []session.CandidateBlock) {
	for i := 0; i < 10; i++ {
		blocks = append(blocks, session.CandidateBlock{
			ID:      fmt.Sprintf("b%d", i),
			Title:   fmt.Sprintf("Block %d", i),
			RawText: "generic work",
		})
	}
	return blocks
}

func TestSelectTopThreeOfTen(t *testing.T) {
	corpus := tenBlocks()
	svc := &stubService{}
	for i := range corpus {
		svc.ranked = append(svc.ranked, Ranked{BlockID: corpus[i].ID, Score: float64(i) / 10})
	}

	selected, err := NewSelector(svc, zaptest.NewLogger(t)).Select(context.Background(), session.JobContext{Description: "jd"}, corpus, 3)
	require.NoError(t, err)
	require.Len(t, selected, 3)
	assert.Equal(t, "b9", selected[0].ID)
	assert.Equal(t, "b8", selected[1].ID)
	assert.Equal(t, "b7", selected[2].ID)
}

func TestSelectTiesKeepCorpusOrder(t *testing.T) {
	corpus := tenBlocks()[:4]
	svc := &stubService{ranked: []Ranked{
		{BlockID: "b3", Score: 0.5},
		{BlockID: "b1", Score: 0.5},
		{BlockID: "b2", Score: 0.9},
		{BlockID: "b0", Score: 0.5},
	}}

	selected, err := NewSelector(svc, nil).Select(context.Background(), session.JobContext{}, corpus, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"b2", "b0", "b1"}, ids(selected))
}

func TestSelectSmallCorpus(t *testing.T) {
	corpus := tenBlocks()[:2]
	svc := &stubService{ranked: []Ranked{{BlockID: "b1", Score: 1}, {BlockID: "b0", Score: 0}}}

	selected, err := NewSelector(svc, nil).Select(context.Background(), session.JobContext{}, corpus, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"b1", "b0"}, ids(selected))
}

func TestSelectFailures(t *testing.T) {
	corpus := tenBlocks()[:3]

	tests := []struct {
		name    string
		svc     *stubService
		corpus  []session.CandidateBlock
		k       int
		wantErr error
	}{
		{name: "service error", svc: &stubService{err: errors.New("down")}, corpus: corpus, k: 2, wantErr: ErrRetrievalUnavailable},
		{name: "no results", svc: &stubService{}, corpus: corpus, k: 2, wantErr: ErrRetrievalUnavailable},
		{name: "too few results", svc: &stubService{ranked: []Ranked{{BlockID: "b0"}}}, corpus: corpus, k: 2, wantErr: ErrRetrievalUnavailable},
		{name: "unknown block", svc: &stubService{ranked: []Ranked{{BlockID: "zz"}, {BlockID: "b0"}}}, corpus: corpus, k: 2, wantErr: ErrRetrievalUnavailable},
		{name: "empty corpus", svc: &stubService{}, corpus: nil, k: 2, wantErr: ErrRetrievalUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			selected, err := NewSelector(tt.svc, nil).Select(context.Background(), session.JobContext{}, tt.corpus, tt.k)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			assert.Empty(t, selected)
		})
	}
}

func TestSelectRejectsNonPositiveK(t *testing.T) {
	svc := &stubService{}
	_, err := NewSelector(svc, nil).Select(context.Background(), session.JobContext{}, tenBlocks(), 0)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrRetrievalUnavailable))
	assert.Equal(t, 0, svc.calls)
}

func TestKeywordServiceRanksRelevantBlocks(t *testing.T) {
	corpus := []session.CandidateBlock{
		{ID: "frontend", Title: "Design System", RawText: "React components and CSS tokens"},
		{ID: "k8s", Title: "Cluster Platform", RawText: "Kubernetes operators written in Go", Tags: []string{"kubernetes", "go"}},
		{ID: "data", Title: "Data Pipeline", RawText: "Spark jobs in Scala"},
		{ID: "infra", Title: "Terraform Modules", RawText: "Terraform for AWS with Go tooling"},
	}

	svc, err := NewKeywordService("", nil)
	require.NoError(t, err)

	selected, err := NewSelector(svc, nil).Select(context.Background(),
		session.JobContext{Description: "Platform engineer: Kubernetes, Go, Terraform on AWS"}, corpus, 2)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"k8s", "infra"}, ids(selected))
}

func TestKeywordServiceDeterministic(t *testing.T) {
	svc, err := NewKeywordService("", nil)
	require.NoError(t, err)

	first, err := svc.Rank(context.Background(), "generic work", tenBlocks(), 10)
	require.NoError(t, err)
	second, err := svc.Rank(context.Background(), "generic work", tenBlocks(), 10)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, "b0", first[0].BlockID)
}

func TestKeywordServiceEmptyCorpus(t *testing.T) {
	svc, err := NewKeywordService("", nil)
	require.NoError(t, err)

	_, err = svc.Rank(context.Background(), "jd", nil, 3)
	assert.True(t, errors.Is(err, ErrRetrievalUnavailable))
}

func TestIndexPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index", "keywords.json")
	corpus := tenBlocks()[:3]

	svc, err := NewKeywordService(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	_, err = svc.Rank(context.Background(), "work", corpus, 3)
	require.NoError(t, err)

	loaded, err := LoadIndex(path)
	require.NoError(t, err)
	assert.True(t, loaded.Covers(corpus))
	assert.Equal(t, indexVersion, loaded.Version)

	changed := append([]session.CandidateBlock{}, corpus...)
	changed[1].RawText = "different"
	assert.False(t, loaded.Covers(changed))
}

func TestLoadIndexMissingFile(t *testing.T) {
	index, err := LoadIndex(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Empty(t, index.Blocks)
}

func TestHTTPService(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rankRequest
		err := json.NewDecoder(r.Body).Decode(&req)
		if err != nil || req.K != 2 || len(req.Blocks) != 3 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(rankResponse{Results: []Ranked{{BlockID: "b2", Score: 0.8}, {BlockID: "b0", Score: 0.3}}})
	}))
	defer server.Close()

	selected, err := NewSelector(NewHTTPService(server.URL, 0), nil).Select(context.Background(), session.JobContext{Description: "jd"}, tenBlocks()[:3], 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"b2", "b0"}, ids(selected))
}

func TestHTTPServiceErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := NewHTTPService(server.URL, 0).Rank(context.Background(), "jd", tenBlocks(), 3)
	assert.True(t, errors.Is(err, ErrRetrievalUnavailable))
}

func ids(blocks []session.CandidateBlock) (out []string) {
	for _, b := range blocks {
		out = append(out, b.ID)
	}
	return out
}
