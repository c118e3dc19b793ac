// Package blob 按 key 寻址的二进制存储（上传分片、片段音频、输出文件）
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrNotFound key 不存在
var ErrNotFound = errors.New("blob 不存在")

// Store 二进制存储接口
type Store interface {
	Put(ctx context.Context, key string, r io.Reader) (int64, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
	Exists(ctx context.Context, key string) (bool, error)
	// Move 原子地把 from 改名为 to，覆盖已存在的 to
	Move(ctx context.Context, from, to string) error
	// Path 返回本地文件路径（供 ffmpeg 使用），非本地存储返回空字符串
	Path(key string) string
}

// Key 布局
func ChunkKey(sessionID string, index int) string {
	return fmt.Sprintf("uploads/%s/chunks/%06d", sessionID, index)
}

func ChunkPrefix(sessionID string) string {
	return fmt.Sprintf("uploads/%s/chunks/", sessionID)
}

// SessionPrefix 会话的全部对象：分片、暂存分片和拼接后的源文件
func SessionPrefix(sessionID string) string {
	return fmt.Sprintf("uploads/%s/", sessionID)
}

func StagingPrefix(sessionID string) string {
	return fmt.Sprintf("uploads/%s/staging/", sessionID)
}

// StagingKey 分片先写到这里，校验通过后再移动到 ChunkKey
func StagingKey(sessionID string, index int, nonce string) string {
	return fmt.Sprintf("uploads/%s/staging/%06d-%s", sessionID, index, nonce)
}

func SourceKey(sessionID string) string {
	return fmt.Sprintf("uploads/%s/source", sessionID)
}

func JobPrefix(jobID string) string {
	return fmt.Sprintf("jobs/%s/", jobID)
}

func AudioKey(jobID, ext string) string {
	return fmt.Sprintf("jobs/%s/audio.%s", jobID, ext)
}

func SegmentKey(jobID string, index int, ext string) string {
	return fmt.Sprintf("jobs/%s/segments/%05d.%s", jobID, index, ext)
}

func SegmentPrefix(jobID string) string {
	return fmt.Sprintf("jobs/%s/segments/", jobID)
}

func TranscriptKey(jobID string) string {
	return fmt.Sprintf("jobs/%s/transcript.json", jobID)
}

func OutputKey(jobID, ext string) string {
	return fmt.Sprintf("jobs/%s/outputs/transcript.%s", jobID, ext)
}

// FileStore 本地文件系统实现
type FileStore struct {
	root string
}

// NewFileStore 创建文件存储
func NewFileStore(root string) (*FileStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("解析存储目录失败: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("创建存储目录失败: %w", err)
	}
	return &FileStore{root: abs}, nil
}

func (s *FileStore) resolve(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("非法的 key: %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return "", fmt.Errorf("非法的 key: %q", key)
		}
	}
	clean := path.Clean(key)
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

// Put 原子写入：先写临时文件再重命名
func (s *FileStore) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	dst, err := s.resolve(key)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, fmt.Errorf("创建目录失败: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("创建临时文件失败: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	n, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: r})
	if err != nil {
		tmp.Close()
		return 0, fmt.Errorf("写入 %s 失败: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("关闭临时文件失败: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return 0, fmt.Errorf("重命名失败: %w", err)
	}
	return n, nil
}

// Get 读取
func (s *FileStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Delete 删除，不存在时不报错
func (s *FileStore) Delete(ctx context.Context, key string) error {
	p, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// DeletePrefix 删除前缀下的全部对象
func (s *FileStore) DeletePrefix(ctx context.Context, prefix string) error {
	p, err := s.resolve(strings.TrimSuffix(prefix, "/"))
	if err != nil {
		return err
	}
	if p == s.root {
		return fmt.Errorf("拒绝删除存储根目录")
	}
	return os.RemoveAll(p)
}

// Move 改名
func (s *FileStore) Move(ctx context.Context, from, to string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := s.resolve(from)
	if err != nil {
		return err
	}
	dst, err := s.resolve(to)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("创建目录失败: %w", err)
	}
	if err := os.Rename(src, dst); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s: %w", from, ErrNotFound)
		}
		return fmt.Errorf("移动 %s 失败: %w", from, err)
	}
	return nil
}

// Exists 是否存在
func (s *FileStore) Exists(ctx context.Context, key string) (bool, error) {
	p, err := s.resolve(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Path 本地路径
func (s *FileStore) Path(key string) string {
	p, err := s.resolve(key)
	if err != nil {
		return ""
	}
	return p
}

// Size 返回对象字节数
func Size(s Store, key string) (int64, error) {
	p := s.Path(key)
	if p == "" {
		return 0, fmt.Errorf("%s 不是本地对象", key)
	}
	fi, err := os.Stat(p)
	if errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
