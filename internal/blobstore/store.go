// Package blobstore archives exchange snapshots in S3 or in memory.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

const (
	DriverS3     = "s3"
	DriverMemory = "memory"

	// MetadataSHA256 carries the hex SHA-256 of the payload. Get verifies it
	// when present.
	MetadataSHA256 = "sha256"

	defaultMaxGetSize int64 = 64 << 20
)

var (
	ErrInvalidConfig    = errors.New("blobstore: invalid config")
	ErrInvalidKey       = errors.New("blobstore: invalid key")
	ErrNotFound         = errors.New("blobstore: not found")
	ErrTooLarge         = errors.New("blobstore: object too large")
	ErrChecksumMismatch = errors.New("blobstore: checksum mismatch")
)

type Store interface {
	Put(ctx context.Context, key string, payload []byte, opts PutOptions) error
	Get(ctx context.Context, key string) (Object, error)
}

type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

type Object struct {
	Key          string
	Data         []byte
	ContentType  string
	Metadata     map[string]string
	LastModified time.Time
}

type Config struct {
	Driver string
	Prefix string

	// MaxGetSize bounds bytes returned by Get. Defaults to 64 MiB when <= 0.
	MaxGetSize int64

	// S3 fields.
	Bucket   string
	S3Client S3Client
}

// S3Client is the subset of *s3.Client the archive needs.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

func New(cfg Config) (Store, error) {
	maxGet := cfg.MaxGetSize
	if maxGet <= 0 {
		maxGet = defaultMaxGetSize
	}

	switch normalizeDriver(cfg.Driver) {
	case DriverMemory:
		return &memoryStore{
			prefix:     normalizePrefix(cfg.Prefix),
			maxGetSize: maxGet,
			objects:    make(map[string]memoryObject),
		}, nil
	case DriverS3:
		bucket := strings.TrimSpace(cfg.Bucket)
		if bucket == "" {
			return nil, fmt.Errorf("%w: s3 bucket is required", ErrInvalidConfig)
		}
		if cfg.S3Client == nil {
			return nil, fmt.Errorf("%w: s3 client is required", ErrInvalidConfig)
		}
		return &s3Store{
			client:     cfg.S3Client,
			bucket:     bucket,
			prefix:     normalizePrefix(cfg.Prefix),
			maxGetSize: maxGet,
		}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

// Checksum returns the value stored under MetadataSHA256.
func Checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func normalizeDriver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverS3
	}
	return v
}

func normalizeKey(key string) (string, error) {
	if key != strings.TrimSpace(key) {
		return "", fmt.Errorf("%w: key has leading or trailing whitespace", ErrInvalidKey)
	}
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return "", fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	for _, r := range key {
		if r < 0x20 || r == 0x7f {
			return "", fmt.Errorf("%w: key contains control characters", ErrInvalidKey)
		}
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", fmt.Errorf("%w: bad path segment in %q", ErrInvalidKey, key)
		}
	}
	return key, nil
}

func normalizePrefix(prefix string) string {
	return strings.Trim(strings.TrimSpace(prefix), "/")
}

func joinPrefix(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

// withChecksum copies md, drops blank keys and stamps the payload hash.
func withChecksum(md map[string]string, payload []byte) map[string]string {
	out := make(map[string]string, len(md)+1)
	for k, v := range md {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		out[k] = strings.TrimSpace(v)
	}
	out[MetadataSHA256] = Checksum(payload)
	return out
}

func verify(key string, data []byte, md map[string]string) error {
	want, ok := md[MetadataSHA256]
	if !ok {
		return nil
	}
	if got := Checksum(data); got != want {
		return fmt.Errorf("%w: %s: got %s want %s", ErrChecksumMismatch, key, got, want)
	}
	return nil
}

type memoryStore struct {
	mu         sync.RWMutex
	prefix     string
	maxGetSize int64
	objects    map[string]memoryObject
}

type memoryObject struct {
	data        []byte
	contentType string
	metadata    map[string]string
	updatedAt   time.Time
}

func (m *memoryStore) Put(_ context.Context, key string, payload []byte, opts PutOptions) error {
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[joinPrefix(m.prefix, key)] = memoryObject{
		data:        bytes.Clone(payload),
		contentType: strings.TrimSpace(opts.ContentType),
		metadata:    withChecksum(opts.Metadata, payload),
		updatedAt:   time.Now().UTC(),
	}
	return nil
}

func (m *memoryStore) Get(_ context.Context, key string) (Object, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return Object{}, err
	}

	m.mu.RLock()
	obj, ok := m.objects[joinPrefix(m.prefix, key)]
	m.mu.RUnlock()
	if !ok {
		return Object{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if int64(len(obj.data)) > m.maxGetSize {
		return Object{}, fmt.Errorf("%w: key %q exceeds max %d bytes", ErrTooLarge, key, m.maxGetSize)
	}

	md := make(map[string]string, len(obj.metadata))
	for k, v := range obj.metadata {
		md[k] = v
	}
	return Object{
		Key:          key,
		Data:         bytes.Clone(obj.data),
		ContentType:  obj.contentType,
		Metadata:     md,
		LastModified: obj.updatedAt,
	}, nil
}

type s3Store struct {
	client     S3Client
	bucket     string
	prefix     string
	maxGetSize int64
}

func (s *s3Store) Put(ctx context.Context, key string, payload []byte, opts PutOptions) error {
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}

	input := &s3.PutObjectInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(joinPrefix(s.prefix, key)),
		Body:     bytes.NewReader(payload),
		Metadata: withChecksum(opts.Metadata, payload),
	}
	if ct := strings.TrimSpace(opts.ContentType); ct != "" {
		input.ContentType = aws.String(ct)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("blobstore/s3: put %q: %w", key, err)
	}
	return nil
}

func (s *s3Store) Get(ctx context.Context, key string) (Object, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return Object{}, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(joinPrefix(s.prefix, key)),
	})
	if err != nil {
		if isNotFound(err) {
			return Object{}, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return Object{}, fmt.Errorf("blobstore/s3: get %q: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(out.Body, s.maxGetSize+1))
	if err != nil {
		return Object{}, fmt.Errorf("blobstore/s3: read %q: %w", key, err)
	}
	if int64(len(data)) > s.maxGetSize {
		return Object{}, fmt.Errorf("%w: key %q exceeds max %d bytes", ErrTooLarge, key, s.maxGetSize)
	}

	// S3 returns user metadata keys lowercased.
	md := make(map[string]string, len(out.Metadata))
	for k, v := range out.Metadata {
		md[strings.ToLower(k)] = v
	}
	if err := verify(key, data, md); err != nil {
		return Object{}, err
	}

	return Object{
		Key:          key,
		Data:         data,
		ContentType:  aws.ToString(out.ContentType),
		Metadata:     md,
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NotFound", "404":
		return true
	default:
		return false
	}
}
