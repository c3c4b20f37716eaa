package storage

import (
	"context"
	"errors"
	"fmt"
)

// PartCount 计算分片数量；空对象也算一个分片
func PartCount(size, chunkSize int64) int {
	if size <= 0 || chunkSize <= 0 {
		return 1
	}
	return int((size + chunkSize - 1) / chunkSize)
}

// ContentRange 计算会话式上传分片的 Content-Range 头
// start = (partNumber-1)*chunkSize，end = start+n-1，total 为声明的总大小
func ContentRange(partNumber int, chunkSize int64, n int, total int64) (string, error) {
	if partNumber < 1 {
		return "", fmt.Errorf("invalid part number %d", partNumber)
	}
	start := int64(partNumber-1) * chunkSize
	end := start + int64(n) - 1
	if n <= 0 || end > total-1 {
		return "", fmt.Errorf("part %d (%d bytes at %d) outside declared size %d", partNumber, n, start, total)
	}
	return fmt.Sprintf("bytes %d-%d/%d", start, end, total), nil
}

// UploadChunked 按 chunkSize 顺序上传 data：initiate → UploadPart(1..n) → complete
// 任一步失败时调用 abort，并返回原始错误。
func UploadChunked(ctx context.Context, c StorageClient, key string, data []byte, contentType string, chunkSize int64) error {
	if chunkSize <= 0 {
		return fmt.Errorf("upload %q: invalid chunk size %d", key, chunkSize)
	}
	size := int64(len(data))

	tok, err := c.InitiateMultipartUpload(ctx, key, contentType, MultipartOptions{Size: size, ChunkSize: chunkSize})
	if err != nil {
		return err
	}

	n := PartCount(size, chunkSize)
	parts := make([]CompletedPart, 0, n)
	for i := range n {
		start := int64(i) * chunkSize
		end := min(start+chunkSize, size)

		tag, err := c.UploadPart(ctx, key, tok, i+1, data[start:end])
		if err != nil {
			return abortAfter(ctx, c, key, tok, err)
		}
		parts = append(parts, CompletedPart{PartNumber: i + 1, ETag: tag})
	}

	if err := c.CompleteMultipartUpload(ctx, key, tok, parts); err != nil {
		return abortAfter(ctx, c, key, tok, err)
	}
	return nil
}

func abortAfter(ctx context.Context, c StorageClient, key, tok string, cause error) error {
	if err := c.AbortMultipartUpload(context.WithoutCancel(ctx), key, tok); err != nil && !errors.Is(err, ErrUnsupported) {
		return errors.Join(cause, fmt.Errorf("abort upload %q: %w", key, err))
	}
	return cause
}
