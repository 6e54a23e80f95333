package ledger

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// GitHubConfig описывает репозиторий, в котором хранится реестр.
type GitHubConfig struct {
	APIURL   string
	Token    string
	Owner    string
	Repo     string
	Branch   string
	BasePath string
	Timeout  time.Duration
}

// GitHubStore хранит документы в репозитории через GitHub Contents API.
// Токен версии - SHA блоба файла.
type GitHubStore struct {
	cfg        GitHubConfig
	baseURL    string
	httpClient *http.Client
}

// NewGitHubStore создаёт клиент GitHub Contents API.
func NewGitHubStore(cfg GitHubConfig) (*GitHubStore, error) {
	if cfg.Token == "" || cfg.Owner == "" || cfg.Repo == "" {
		return nil, fmt.Errorf("github ledger: token, owner and repo are required")
	}
	if cfg.APIURL == "" {
		cfg.APIURL = "https://api.github.com"
	}
	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	return &GitHubStore{
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.APIURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}, nil
}

type contentResponse struct {
	Type     string `json:"type"`
	Name     string `json:"name"`
	Path     string `json:"path"`
	SHA      string `json:"sha"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

type putRequest struct {
	Message string `json:"message"`
	Content string `json:"content"`
	SHA     string `json:"sha,omitempty"`
	Branch  string `json:"branch,omitempty"`
}

type putResponse struct {
	Content contentResponse `json:"content"`
}

func (s *GitHubStore) fullPath(key string) string {
	return path.Join(strings.Trim(s.cfg.BasePath, "/"), cleanKey(key))
}

func (s *GitHubStore) contentsURL(p string) string {
	segments := strings.Split(p, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return fmt.Sprintf("%s/repos/%s/%s/contents/%s", s.baseURL, url.PathEscape(s.cfg.Owner), url.PathEscape(s.cfg.Repo), strings.Join(segments, "/"))
}

func (s *GitHubStore) do(ctx context.Context, method, u string, body any) (*http.Response, []byte, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, nil, fmt.Errorf("read response: %w", err)
	}
	return resp, data, nil
}

// Get читает файл и декодирует его содержимое.
func (s *GitHubStore) Get(ctx context.Context, key string) (*Document, error) {
	u := s.contentsURL(s.fullPath(key)) + "?ref=" + url.QueryEscape(s.cfg.Branch)

	resp, data, err := s.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("github get %s: unexpected status %d", key, resp.StatusCode)
	}

	var c contentResponse
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if c.Type != "" && c.Type != "file" {
		return nil, fmt.Errorf("github get %s: not a file", key)
	}

	body, err := decodeContent(c.Content)
	if err != nil {
		return nil, err
	}

	return &Document{Key: cleanKey(key), Body: body, Version: c.SHA}, nil
}

// Put создаёт или обновляет файл. Несовпадение SHA GitHub возвращает как 409 или 422.
func (s *GitHubStore) Put(ctx context.Context, key string, body []byte, expectedVersion string) (string, error) {
	key = cleanKey(key)
	reqBody := putRequest{
		Message: fmt.Sprintf("ledger: update %s", key),
		Content: base64.StdEncoding.EncodeToString(body),
		SHA:     expectedVersion,
		Branch:  s.cfg.Branch,
	}

	resp, data, err := s.do(ctx, http.MethodPut, s.contentsURL(s.fullPath(key)), reqBody)
	if err != nil {
		return "", err
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
	case http.StatusConflict, http.StatusUnprocessableEntity:
		return "", ErrVersionConflict
	case http.StatusNotFound:
		if expectedVersion != "" {
			return "", ErrVersionConflict
		}
		return "", fmt.Errorf("github put %s: repository or branch not found", key)
	default:
		return "", fmt.Errorf("github put %s: unexpected status %d", key, resp.StatusCode)
	}

	var out putResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return out.Content.SHA, nil
}

// List читает каталог и загружает каждый JSON-файл в нём.
func (s *GitHubStore) List(ctx context.Context, prefix string) ([]Document, error) {
	dir := strings.TrimSuffix(cleanKey(prefix), "/")
	u := s.contentsURL(s.fullPath(dir)) + "?ref=" + url.QueryEscape(s.cfg.Branch)

	resp, data, err := s.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("github list %s: unexpected status %d", dir, resp.StatusCode)
	}

	var entries []contentResponse
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode listing: %w", err)
	}

	res := make([]Document, 0, len(entries))
	for _, e := range entries {
		if e.Type != "file" || !strings.HasSuffix(e.Name, ".json") {
			continue
		}
		doc, err := s.Get(ctx, path.Join(dir, e.Name))
		if err != nil {
			return nil, err
		}
		res = append(res, *doc)
	}
	return res, nil
}

func decodeContent(content string) ([]byte, error) {
	clean := strings.NewReplacer("\n", "", "\r", "").Replace(content)
	body, err := base64.StdEncoding.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}
	return body, nil
}
