package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/nikogura/resume-workflow/pkg/session"
)

// HTTPService delegates ranking to an external service.
type HTTPService struct {
	endpoint   string
	httpClient *http.Client
}

type rankRequest struct {
	JobDescription string      `json:"job_description"`
	Blocks         []rankBlock `json:"blocks"`
	K              int         `json:"k"`
}

type rankBlock struct {
	ID    string   `json:"id"`
	Title string   `json:"title"`
	Text  string   `json:"text"`
	Tags  []string `json:"tags,omitempty"`
}

type rankResponse struct {
	Results []Ranked `json:"results"`
}

// NewHTTPService creates a client for the ranking service at endpoint.
func NewHTTPService(endpoint string, timeout time.Duration) (svc *HTTPService) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	svc = &HTTPService{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
	}
	return svc
}

// Rank implements Service. Every failure is ErrRetrievalUnavailable.
func (s *HTTPService) Rank(ctx context.Context, jobText string, corpus []session.CandidateBlock, k int) (ranked []Ranked, err error) {
	reqBody := rankRequest{
		JobDescription: jobText,
		Blocks:         make([]rankBlock, 0, len(corpus)),
		K:              k,
	}
	for _, b := range corpus {
		reqBody.Blocks = append(reqBody.Blocks, rankBlock{ID: b.ID, Title: b.Title, Text: b.RawText, Tags: b.Tags})
	}

	var body []byte
	body, err = json.Marshal(reqBody)
	if err != nil {
		err = errors.Wrap(err, "failed to marshal rank request")
		return ranked, err
	}

	var req *http.Request
	req, err = http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		err = errors.Wrapf(ErrRetrievalUnavailable, "failed to create request: %s", err)
		return ranked, err
	}
	req.Header.Set("Content-Type", "application/json")

	var resp *http.Response
	resp, err = s.httpClient.Do(req)
	if err != nil {
		err = errors.Wrapf(ErrRetrievalUnavailable, "request failed: %s", err)
		return ranked, err
	}
	defer resp.Body.Close()

	var respBody []byte
	respBody, err = io.ReadAll(resp.Body)
	if err != nil {
		err = errors.Wrapf(ErrRetrievalUnavailable, "failed to read response: %s", err)
		return ranked, err
	}

	if resp.StatusCode != http.StatusOK {
		err = errors.Wrapf(ErrRetrievalUnavailable, "status %d: %s", resp.StatusCode, string(respBody))
		return ranked, err
	}

	var parsed rankResponse
	err = json.Unmarshal(respBody, &parsed)
	if err != nil {
		err = errors.Wrapf(ErrRetrievalUnavailable, "failed to parse response: %s", err)
		return ranked, err
	}

	ranked = parsed.Results
	return ranked, err
}
