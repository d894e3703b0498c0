package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"notesync/internal/domain"
)

const (
	HeaderServerTime = "X-Server-Time"
	HeaderFileMtime  = "X-File-Mtime"
	HeaderFileSize   = "X-File-Size"
)

// HTTP talks to the note store's REST API under BaseURL:
//
//	GET    /files          list
//	HEAD   /files/{path}   stat
//	GET    /files/{path}   download
//	PUT    /files/{path}   upload (mtime in X-File-Mtime)
//	DELETE /files/{path}   delete
type HTTP struct {
	baseURL string
	client  *http.Client
	clock   *ServerClock
}

func NewHTTP(baseURL string, timeout time.Duration, sc *ServerClock) *HTTP {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTP{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		clock:   sc,
	}
}

type listResp struct {
	Files []domain.FileInfo `json:"files"`
}

func (h *HTTP) fileURL(p string) string {
	segs := strings.Split(strings.Trim(p, "/"), "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return h.baseURL + "/files/" + strings.Join(segs, "/")
}

func (h *HTTP) do(ctx context.Context, method, u string, body []byte, header http.Header) (*http.Response, int64, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("HTTP request failed: %w", err)
	}
	st, _ := strconv.ParseInt(resp.Header.Get(HeaderServerTime), 10, 64)
	if h.clock != nil {
		h.clock.Observe(st)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, st, ErrNotFound
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, st, fmt.Errorf("HTTP %d error: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, st, nil
}

func infoFromHeader(p string, hd http.Header) domain.FileInfo {
	mtime, _ := strconv.ParseInt(hd.Get(HeaderFileMtime), 10, 64)
	size, _ := strconv.ParseInt(hd.Get(HeaderFileSize), 10, 64)
	return domain.FileInfo{Path: strings.Trim(p, "/"), Mtime: mtime, Size: size, Type: domain.TypeFile}
}

func (h *HTTP) Stat(ctx context.Context, p string) (domain.FileInfo, int64, error) {
	resp, st, err := h.do(ctx, http.MethodHead, h.fileURL(p), nil, nil)
	if err != nil {
		return domain.FileInfo{}, st, err
	}
	resp.Body.Close()
	return infoFromHeader(p, resp.Header), st, nil
}

func (h *HTTP) Download(ctx context.Context, p string) ([]byte, domain.FileInfo, int64, error) {
	resp, st, err := h.do(ctx, http.MethodGet, h.fileURL(p), nil, nil)
	if err != nil {
		return nil, domain.FileInfo{}, st, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.FileInfo{}, st, fmt.Errorf("failed to read response body: %w", err)
	}
	info := infoFromHeader(p, resp.Header)
	info.Size = int64(len(data))
	return data, info, st, nil
}

func (h *HTTP) Upload(ctx context.Context, p string, data []byte, mtime int64) (domain.FileInfo, int64, error) {
	hd := http.Header{}
	hd.Set(HeaderFileMtime, strconv.FormatInt(mtime, 10))
	hd.Set("Content-Type", "application/octet-stream")
	resp, st, err := h.do(ctx, http.MethodPut, h.fileURL(p), data, hd)
	if err != nil {
		return domain.FileInfo{}, st, err
	}
	defer resp.Body.Close()
	var info domain.FileInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return domain.FileInfo{}, st, fmt.Errorf("decode upload response: %w", err)
	}
	if info.Type == "" {
		info.Type = domain.TypeFile
	}
	return info, st, nil
}

// Delete is idempotent: deleting a missing file succeeds.
func (h *HTTP) Delete(ctx context.Context, p string) (int64, error) {
	resp, st, err := h.do(ctx, http.MethodDelete, h.fileURL(p), nil, nil)
	if errors.Is(err, ErrNotFound) {
		return st, nil
	}
	if err != nil {
		return st, err
	}
	resp.Body.Close()
	return st, nil
}

func (h *HTTP) List(ctx context.Context) ([]domain.FileInfo, int64, error) {
	resp, st, err := h.do(ctx, http.MethodGet, h.baseURL+"/files", nil, nil)
	if err != nil {
		return nil, st, err
	}
	defer resp.Body.Close()
	var lr listResp
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return nil, st, fmt.Errorf("decode file list: %w", err)
	}
	return lr.Files, st, nil
}
