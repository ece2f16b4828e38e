package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	apperrors "github.com/havenapp/authgate/internal/errors"
)

// HTTPStore reads profile rows from the application's profile API.
type HTTPStore struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewHTTPStore creates a profile store client. If httpClient is nil,
// http.DefaultClient is used.
func NewHTTPStore(httpClient *http.Client, baseURL, apiKey string) *HTTPStore {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &HTTPStore{
		httpClient: httpClient,
		baseURL:    baseURL,
		apiKey:     apiKey,
	}
}

var _ Store = (*HTTPStore)(nil)

// apiError represents an error response from the profile API.
type apiError struct {
	Error string `json:"error"`
	Msg   string `json:"msg"`
}

// ProfileByID fetches one profile row. A 404 maps to
// ErrProfileNotFound; any other non-200 response or transport failure
// wraps ErrAPIRequest so the gate surfaces it as a fetch error.
func (s *HTTPStore) ProfileByID(ctx context.Context, userID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/profiles/"+userID, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("apikey", s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrAPIRequest, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return body, nil
	case http.StatusNotFound:
		return nil, apperrors.ErrProfileNotFound
	default:
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("%w: profiles/%s (%d): %s", apperrors.ErrAPIRequest, userID, resp.StatusCode, apiErr.Error)
		}

		return nil, fmt.Errorf("%w: profiles/%s returned status %d", apperrors.ErrAPIRequest, userID, resp.StatusCode)
	}
}
