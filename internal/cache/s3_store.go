package cache

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/sync/errgroup"
)

const (
	partitionMarker = ".partition"
	deleteBatchSize = 1000
	headConcurrency = 8

	metaBodySize = "body-size"
	metaStoredAt = "stored-at"
)

// S3Options 描述对象存储连接参数，Endpoint 为空时使用 AWS 默认端点。
type S3Options struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Prefix    string
}

// NewS3Client 按静态凭证构建 path-style 客户端，兼容 MinIO/R2 等 S3 实现。
func NewS3Client(ctx context.Context, opts S3Options) (*s3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
		// 第三方实现不一定支持默认开启的 CRC 校验尾部。
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	}), nil
}

// s3Storage 的对象布局：
//
//	<prefix>/<partition>/.partition         分区标记
//	<prefix>/<partition>/<base64url(key)>   JSON 记录（含正文）
type s3Storage struct {
	bucket   string
	prefix   string
	client   *s3.Client
	uploader *manager.Uploader
}

type s3Partition struct {
	storage *s3Storage
	name    string
}

// NewS3Storage 基于已有客户端构建分区存储。
func NewS3Storage(client *s3.Client, bucket, prefix string) (Storage, error) {
	if client == nil {
		return nil, ErrStoreUnavailable
	}
	if bucket == "" {
		return nil, errors.New("s3 bucket required")
	}
	return &s3Storage{
		bucket:   bucket,
		prefix:   strings.Trim(prefix, "/"),
		client:   client,
		uploader: manager.NewUploader(client),
	}, nil
}

func (s *s3Storage) rootPrefix() string {
	if s.prefix == "" {
		return ""
	}
	return s.prefix + "/"
}

func (s *s3Storage) partitionPrefix(name string) string {
	return s.rootPrefix() + name + "/"
}

func (s *s3Storage) objectKey(name, key string) string {
	return s.partitionPrefix(name) + base64.RawURLEncoding.EncodeToString([]byte(key))
}

func (s *s3Storage) Open(ctx context.Context, name string) (Partition, error) {
	if name == "" || strings.Contains(name, "/") {
		return nil, ErrInvalidName
	}
	exists, err := s.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.partitionPrefix(name) + partitionMarker),
			Body:   bytes.NewReader(nil),
		})
		if err != nil {
			return nil, fmt.Errorf("create partition %s: %w", name, err)
		}
	}
	return &s3Partition{storage: s, name: name}, nil
}

func (s *s3Storage) Has(ctx context.Context, name string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.partitionPrefix(name) + partitionMarker),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *s3Storage) Names(ctx context.Context) ([]string, error) {
	root := s.rootPrefix()
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(root),
		Delimiter: aws.String("/"),
	})
	var names []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), root), "/")
			if name != "" {
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *s3Storage) Delete(ctx context.Context, name string) (bool, error) {
	keys, err := s.listKeys(ctx, name)
	if err != nil {
		return false, err
	}
	if len(keys) == 0 {
		return false, nil
	}
	// 先删除标记，阻止旧句柄继续写入。
	marker := s.partitionPrefix(name) + partitionMarker
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(marker),
	}); err != nil {
		return false, err
	}
	for start := 0; start < len(keys); start += deleteBatchSize {
		end := start + deleteBatchSize
		if end > len(keys) {
			end = len(keys)
		}
		objects := make([]types.ObjectIdentifier, 0, end-start)
		for _, key := range keys[start:end] {
			if key == marker {
				continue
			}
			objects = append(objects, types.ObjectIdentifier{Key: aws.String(key)})
		}
		if len(objects) == 0 {
			continue
		}
		_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return false, fmt.Errorf("delete partition %s: %w", name, err)
		}
	}
	return true, nil
}

func (s *s3Storage) Close() error {
	return nil
}

func (s *s3Storage) listKeys(ctx context.Context, name string) ([]string, error) {
	objects, err := s.listObjects(ctx, name)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(objects))
	for i, obj := range objects {
		keys[i] = aws.ToString(obj.Key)
	}
	return keys, nil
}

func (s *s3Storage) listObjects(ctx context.Context, name string) ([]types.Object, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.partitionPrefix(name)),
	})
	var objects []types.Object
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		objects = append(objects, page.Contents...)
	}
	return objects, nil
}

func (p *s3Partition) Name() string {
	return p.name
}

func (p *s3Partition) Match(ctx context.Context, key string) (*Response, error) {
	out, err := p.storage.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.storage.bucket),
		Key:    aws.String(p.storage.objectKey(p.name, key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, err
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return nil, err
	}
	return rec.response(nil), nil
}

func (p *s3Partition) Put(ctx context.Context, key string, resp *Response) error {
	stored, err := prepareForPut(key, resp)
	if err != nil {
		return err
	}
	exists, err := p.storage.Has(ctx, p.name)
	if err != nil {
		return err
	}
	if !exists {
		return ErrPartitionDeleted
	}
	rec := newRecord(key, stored, true)
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	_, err = p.storage.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.storage.bucket),
		Key:         aws.String(p.storage.objectKey(p.name, key)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			metaBodySize: strconv.FormatInt(rec.Size, 10),
			metaStoredAt: strconv.FormatInt(rec.StoredAt, 10),
		},
	})
	if err != nil {
		return fmt.Errorf("put %s into %s: %w", key, p.name, err)
	}
	return nil
}

func (p *s3Partition) Delete(ctx context.Context, key string) (bool, error) {
	objectKey := p.storage.objectKey(p.name, key)
	_, err := p.storage.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.storage.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	_, err = p.storage.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.storage.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// Entries 通过 HeadObject 读取写入时记录的正文大小与时间；缺少元数据的对象
// 退回到对象大小与 LastModified。
func (p *s3Partition) Entries(ctx context.Context) ([]EntryInfo, error) {
	objects, err := p.storage.listObjects(ctx, p.name)
	if err != nil {
		return nil, err
	}
	prefix := p.storage.partitionPrefix(p.name)

	var (
		mu    sync.Mutex
		infos = make([]EntryInfo, 0, len(objects))
	)
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(headConcurrency)
	for _, obj := range objects {
		obj := obj
		encoded := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
		if encoded == partitionMarker {
			continue
		}
		key, err := base64.RawURLEncoding.DecodeString(encoded)
		if err != nil {
			continue
		}
		group.Go(func() error {
			info, ok, err := p.entryInfo(gctx, string(key), obj)
			if err != nil || !ok {
				return err
			}
			mu.Lock()
			infos = append(infos, info)
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	sortEntries(infos)
	return infos, nil
}

func (p *s3Partition) entryInfo(ctx context.Context, key string, obj types.Object) (EntryInfo, bool, error) {
	info := EntryInfo{
		Key:       key,
		SizeBytes: aws.ToInt64(obj.Size),
		StoredAt:  aws.ToTime(obj.LastModified).UTC(),
	}
	head, err := p.storage.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.storage.bucket),
		Key:    obj.Key,
	})
	if err != nil {
		if isNotFound(err) {
			// 列举之后被删除。
			return EntryInfo{}, false, nil
		}
		return EntryInfo{}, false, err
	}
	if raw, ok := metadataValue(head.Metadata, metaBodySize); ok {
		if size, err := strconv.ParseInt(raw, 10, 64); err == nil {
			info.SizeBytes = size
		}
	}
	if raw, ok := metadataValue(head.Metadata, metaStoredAt); ok {
		if millis, err := strconv.ParseInt(raw, 10, 64); err == nil && millis > 0 {
			info.StoredAt = fromMillis(millis)
		}
	}
	return info, true, nil
}

// metadataValue 忽略大小写查找用户元数据，不同实现返回的键大小写不一致。
func metadataValue(meta map[string]string, name string) (string, bool) {
	for key, value := range meta {
		if strings.EqualFold(key, name) {
			return value, true
		}
	}
	return "", false
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	return errors.As(err, &nf)
}
