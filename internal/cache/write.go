package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/opencontainers/go-digest"

	"github.com/any-hub/weight-hub/internal/pump"
)

// writeBody 把 body 拷贝到 dst，同时按 entry 的声明校验长度与摘要。
// 返回实际写入的字节数；任何不一致都返回错误，调用方负责丢弃临时数据。
func writeBody(ctx context.Context, dst io.Writer, body io.Reader, entry Entry) (int64, error) {
	var verifier digest.Verifier
	if entry.Integrity != "" {
		expected, err := pump.ParseIntegrity(entry.Integrity)
		if err != nil {
			return 0, err
		}
		verifier = expected.Verifier()
		dst = io.MultiWriter(dst, verifier)
	}

	written, err := copyWithContext(ctx, dst, body)
	if err != nil {
		return written, err
	}
	if entry.SizeBytes > 0 && written > entry.SizeBytes {
		return written, fmt.Errorf("%w: stored %d of %d bytes", pump.ErrOverrun, written, entry.SizeBytes)
	}
	if entry.SizeBytes > 0 && written != entry.SizeBytes {
		return written, fmt.Errorf("%w: stored %d of %d bytes", pump.ErrTruncated, written, entry.SizeBytes)
	}
	if verifier != nil && !verifier.Verified() {
		return written, pump.ErrIntegrityMismatch
	}
	return written, nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, context.Cause(ctx)
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}

// classify 将底层 I/O 错误归一化为 ErrQuotaExceeded / ErrStorageUnavailable。
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrQuotaExceeded), errors.Is(err, ErrStorageUnavailable):
		return err
	case isNoSpace(err):
		return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
	case errors.Is(err, fs.ErrPermission), isReadOnly(err):
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return err
}
