package pump

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/opencontainers/go-digest"
)

// DefaultChunkSize 是未配置时单个 chunk 的最大字节数。
const DefaultChunkSize = 256 * 1024

var (
	// ErrTruncated 表示数据源在声明长度之前结束，或连接中途断开。
	ErrTruncated = errors.New("stream truncated")
	// ErrOverrun 表示数据源发送的字节数超过了声明长度。
	ErrOverrun = errors.New("stream longer than declared")
	// ErrIntegrityMismatch 表示数据读完后摘要与期望值不一致。
	ErrIntegrityMismatch = errors.New("integrity mismatch")
)

// Options 控制 Pump 的分块大小、长度校验与摘要校验。
type Options struct {
	// ChunkSize 为单次 Next 返回的最大字节数，<=0 时使用 DefaultChunkSize。
	ChunkSize int
	// ExpectedSize 为声明的总长度，<0 表示未知。
	ExpectedSize int64
	// Integrity 为期望摘要，为空时跳过校验。
	Integrity digest.Digest
}

// Pump 将 io.Reader 适配为按需拉取的 chunk 序列。任何终止错误都是粘性的：
// 一旦返回 io.EOF 或错误，后续调用都会返回同样的结果。
type Pump struct {
	src       io.Reader
	chunkSize int
	expected  int64
	want      digest.Digest
	digester  digest.Digester

	read    int64
	pending error
	err     error
}

// New 构造 Pump。Integrity 的算法必须可用（sha256/sha384/sha512）。
func New(src io.Reader, opts Options) *Pump {
	size := opts.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}
	p := &Pump{
		src:       src,
		chunkSize: size,
		expected:  opts.ExpectedSize,
		want:      opts.Integrity,
	}
	if p.want != "" && p.want.Algorithm().Available() {
		p.digester = p.want.Algorithm().Digester()
	}
	return p
}

// Next 返回下一个 chunk。返回的切片由调用方独占，Pump 不会复用它。
// 数据完整结束时返回 io.EOF；截断返回 ErrTruncated；摘要不符返回 ErrIntegrityMismatch。
func (p *Pump) Next(ctx context.Context) ([]byte, error) {
	if p.err != nil {
		return nil, p.err
	}
	if p.pending != nil {
		return nil, p.finish(p.pending)
	}
	if err := ctx.Err(); err != nil {
		return nil, p.fail(context.Cause(ctx))
	}

	chunk := make([]byte, p.chunkSize)
	for {
		n, err := p.src.Read(chunk)
		if n > 0 {
			chunk = chunk[:n:n]
			p.read += int64(n)
			if p.digester != nil {
				p.digester.Hash().Write(chunk)
			}
			if p.expected >= 0 && p.read > p.expected {
				return nil, p.fail(fmt.Errorf("%w: source sent %d bytes, declared %d", ErrOverrun, p.read, p.expected))
			}
			if err != nil {
				p.pending = err
			}
			return chunk, nil
		}
		if err != nil {
			return nil, p.finish(err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, p.fail(context.Cause(ctx))
		}
	}
}

// BytesRead 返回目前为止读取的字节数。
func (p *Pump) BytesRead() int64 {
	return p.read
}

// Digest 返回已读数据的摘要；未配置 Integrity 时返回空值。
func (p *Pump) Digest() digest.Digest {
	if p.digester == nil {
		return ""
	}
	return p.digester.Digest()
}

func (p *Pump) finish(err error) error {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return p.fail(fmt.Errorf("%w: %v after %d bytes", ErrTruncated, err, p.read))
	}
	if !errors.Is(err, io.EOF) {
		return p.fail(err)
	}
	if p.expected >= 0 && p.read < p.expected {
		return p.fail(fmt.Errorf("%w: read %d of %d bytes", ErrTruncated, p.read, p.expected))
	}
	if p.want != "" {
		if p.digester == nil {
			return p.fail(fmt.Errorf("%w: algorithm %s unavailable", ErrIntegrityMismatch, p.want.Algorithm()))
		}
		if got := p.digester.Digest(); got != p.want {
			return p.fail(fmt.Errorf("%w: want %s, got %s", ErrIntegrityMismatch, p.want, got))
		}
	}
	p.err = io.EOF
	return io.EOF
}

func (p *Pump) fail(err error) error {
	p.err = err
	return err
}
