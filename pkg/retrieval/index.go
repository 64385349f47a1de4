package retrieval

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nikogura/resume-workflow/pkg/jd"
	"github.com/nikogura/resume-workflow/pkg/session"
)

const indexVersion = "1.0.0"

// IndexedBlock is one block's term frequencies.
type IndexedBlock struct {
	ID          string             `json:"id"`
	Fingerprint uint64             `json:"fingerprint"`
	Terms       map[string]float64 `json:"terms"`
}

// Index is a TF-IDF index over candidate blocks, persistable as JSON.
type Index struct {
	Blocks    []IndexedBlock     `json:"blocks"`
	IDF       map[string]float64 `json:"idf"`
	UpdatedAt time.Time          `json:"updated_at"`
	Version   string             `json:"version"`
}

// BuildIndex indexes blocks in corpus order.
func BuildIndex(blocks []session.CandidateBlock) (index *Index, err error) {
	if len(blocks) == 0 {
		err = errors.Wrap(ErrRetrievalUnavailable, "corpus is empty")
		return index, err
	}

	index = &Index{
		Blocks:    make([]IndexedBlock, 0, len(blocks)),
		IDF:       make(map[string]float64),
		UpdatedAt: time.Now().UTC(),
		Version:   indexVersion,
	}

	df := make(map[string]int)
	for _, b := range blocks {
		terms := termFrequencies(blockText(b))
		for term := range terms {
			df[term]++
		}
		index.Blocks = append(index.Blocks, IndexedBlock{
			ID:          b.ID,
			Fingerprint: fingerprint(b),
			Terms:       terms,
		})
	}

	n := float64(len(blocks))
	for term, count := range df {
		index.IDF[term] = math.Log((1+n)/(1+float64(count))) + 1
	}

	return index, err
}

// LoadIndex reads an index file. A missing file yields an empty index.
func LoadIndex(path string) (index *Index, err error) {
	index = &Index{IDF: map[string]float64{}, Version: indexVersion}

	var data []byte
	data, err = os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			err = nil
			return index, err
		}
		err = errors.Wrapf(err, "failed to read index file: %s", path)
		return index, err
	}

	err = json.Unmarshal(data, index)
	if err != nil {
		err = errors.Wrapf(err, "failed to parse index JSON: %s", path)
		return index, err
	}

	return index, err
}

// Save writes the index as JSON.
func (idx *Index) Save(path string) (err error) {
	err = os.MkdirAll(filepath.Dir(path), 0750)
	if err != nil {
		err = errors.Wrapf(err, "failed to create index directory for %s", path)
		return err
	}

	var data []byte
	data, err = json.MarshalIndent(idx, "", "  ")
	if err != nil {
		err = errors.Wrap(err, "failed to marshal index")
		return err
	}

	err = os.WriteFile(path, data, 0600)
	if err != nil {
		err = errors.Wrapf(err, "failed to write index file: %s", path)
		return err
	}

	return err
}

// Covers reports whether the index was built from exactly these blocks.
func (idx *Index) Covers(blocks []session.CandidateBlock) (ok bool) {
	if idx == nil || len(idx.Blocks) != len(blocks) {
		return ok
	}
	for i, b := range blocks {
		if idx.Blocks[i].ID != b.ID || idx.Blocks[i].Fingerprint != fingerprint(b) {
			return ok
		}
	}
	ok = true
	return ok
}

// Score returns the cosine similarity of every indexed block against query,
// in index order.
func (idx *Index) Score(query string) (ranked []Ranked) {
	q := idx.weigh(termFrequencies(query))
	qNorm := norm(q)

	ranked = make([]Ranked, 0, len(idx.Blocks))
	for _, b := range idx.Blocks {
		d := idx.weigh(b.Terms)
		score := 0.0
		if dNorm := norm(d); qNorm > 0 && dNorm > 0 {
			for term, w := range q {
				score += w * d[term]
			}
			score /= qNorm * dNorm
		}
		ranked = append(ranked, Ranked{BlockID: b.ID, Score: score})
	}

	return ranked
}

func (idx *Index) weigh(tf map[string]float64) (vec map[string]float64) {
	vec = make(map[string]float64, len(tf))
	for term, f := range tf {
		if idf, ok := idx.IDF[term]; ok {
			vec[term] = f * idf
		}
	}
	return vec
}

func norm(vec map[string]float64) (n float64) {
	for _, w := range vec {
		n += w * w
	}
	n = math.Sqrt(n)
	return n
}

func termFrequencies(text string) (tf map[string]float64) {
	tf = make(map[string]float64)
	for _, tok := range jd.Tokenize(text) {
		if jd.IsStopword(tok) || len(tok) < 2 {
			continue
		}
		tf[tok]++
	}
	return tf
}

func blockText(b session.CandidateBlock) (text string) {
	text = b.Title + "\n" + b.RawText + "\n" + strings.Join(b.Tags, " ")
	return text
}

func fingerprint(b session.CandidateBlock) (sum uint64) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(blockText(b)))
	sum = h.Sum64()
	return sum
}

// KeywordService ranks blocks in-process with a TF-IDF index. The index is
// rebuilt whenever the corpus changes and, with a path set, persisted.
type KeywordService struct {
	mu     sync.Mutex
	index  *Index
	path   string
	logger *zap.Logger
}

// NewKeywordService creates a service, loading a persisted index from path if given.
func NewKeywordService(path string, logger *zap.Logger) (svc *KeywordService, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	svc = &KeywordService{path: path, logger: logger}
	if path == "" {
		return svc, err
	}

	svc.index, err = LoadIndex(path)
	if err != nil {
		return svc, err
	}

	return svc, err
}

// Rank implements Service.
func (s *KeywordService) Rank(ctx context.Context, jobText string, corpus []session.CandidateBlock, k int) (ranked []Ranked, err error) {
	err = ctx.Err()
	if err != nil {
		err = errors.Wrap(ErrRetrievalUnavailable, err.Error())
		return ranked, err
	}

	var index *Index
	index, err = s.indexFor(corpus)
	if err != nil {
		return ranked, err
	}

	ranked = index.Score(jobText)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})

	if k > 0 && len(ranked) > k {
		ranked = ranked[:k]
	}

	return ranked, err
}

func (s *KeywordService) indexFor(corpus []session.CandidateBlock) (index *Index, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.index.Covers(corpus) {
		index = s.index
		return index, err
	}

	index, err = BuildIndex(corpus)
	if err != nil {
		return index, err
	}
	s.index = index
	s.logger.Debug("keyword index rebuilt", zap.Int("blocks", len(corpus)), zap.Int("terms", len(index.IDF)))

	if s.path != "" {
		// Persist failures are logged, not returned.
		saveErr := index.Save(s.path)
		if saveErr != nil {
			s.logger.Warn("failed to persist keyword index", zap.String("path", s.path), zap.Error(saveErr))
		}
	}

	return index, err
}
