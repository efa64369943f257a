package compression

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/snappy"
)

// Compressor 压缩器接口
type Compressor interface {
	Compress([]byte) ([]byte, error)   // 压缩数据
	Decompress([]byte) ([]byte, error) // 解压缩数据
}

// GzipCompressor Gzip压缩实现
type GzipCompressor struct{}

// Compress 使用Gzip压缩数据
func (g *GzipCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress 使用Gzip解压缩数据
func (g *GzipCompressor) Decompress(data []byte) ([]byte, error) {
	// 检查gzip魔数（1F 8B）
	if len(data) < 2 || data[0] != 0x1F || data[1] != 0x8B {
		return nil, fmt.Errorf("invalid gzip header")
	}

	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// SnappyCompressor Snappy压缩实现
type SnappyCompressor struct{}

// Compress 使用Snappy压缩数据
func (s *SnappyCompressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

// Decompress 使用Snappy解压缩数据
func (s *SnappyCompressor) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty data")
	}

	decoded, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("snappy decompress failed: %w", err)
	}
	return decoded, nil
}

// identity 不压缩
type identity struct{}

func (identity) Compress(data []byte) ([]byte, error)   { return data, nil }
func (identity) Decompress(data []byte) ([]byte, error) { return data, nil }

// GetCompressor 根据帧的 payload_encoding 获取压缩器
func GetCompressor(encoding string) (Compressor, error) {
	switch encoding {
	case "", "identity", "json":
		return identity{}, nil
	case "gzip":
		return &GzipCompressor{}, nil
	case "snappy":
		return &SnappyCompressor{}, nil
	default:
		return nil, fmt.Errorf("unsupported payload encoding %q", encoding)
	}
}

// Decode 按编码名解压负载
func Decode(encoding string, payload []byte) ([]byte, error) {
	c, err := GetCompressor(encoding)
	if err != nil {
		return nil, err
	}
	return c.Decompress(payload)
}
