package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// FileStorage определяет интерфейс для выгрузки копий файла данных в объектное хранилище.
type FileStorage interface {
	UploadFile(ctx context.Context, objectKey string, reader io.Reader, size int64, contentType string) error
}

// ErrBucketRequired возвращается, если не задано имя бакета.
var ErrBucketRequired = errors.New("не задано имя бакета MinIO")

// MinioClient реализует FileStorage для MinIO и S3-совместимых хранилищ.
type MinioClient struct {
	client     *minio.Client
	bucketName string
}

var _ FileStorage = (*MinioClient)(nil)

// MinioConfig содержит параметры для подключения к MinIO.
type MinioConfig struct {
	Endpoint        string // Адрес MinIO (например, "localhost:9000")
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	BucketName      string
	Region          string // Для MinIO необязателен
}

// NewMinioClient создает клиент и при необходимости создает бакет.
func NewMinioClient(ctx context.Context, cfg MinioConfig) (*MinioClient, error) {
	if cfg.BucketName == "" {
		return nil, ErrBucketRequired
	}
	slog.Info("Инициализация клиента MinIO", "endpoint", cfg.Endpoint, "bucket", cfg.BucketName)

	minioClient, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка инициализации клиента MinIO: %w", err)
	}

	exists, err := minioClient.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("ошибка проверки существования бакета '%s': %w", cfg.BucketName, err)
	}
	if !exists {
		err = minioClient.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{Region: cfg.Region})
		if err != nil {
			return nil, fmt.Errorf("ошибка создания бакета '%s': %w", cfg.BucketName, err)
		}
		slog.Info("Бакет MinIO создан", "bucket", cfg.BucketName)
	}

	return &MinioClient{
		client:     minioClient,
		bucketName: cfg.BucketName,
	}, nil
}

// UploadFile загружает объект в бакет.
func (c *MinioClient) UploadFile(
	ctx context.Context,
	objectKey string,
	reader io.Reader,
	size int64,
	contentType string,
) error {
	uploadInfo, err := c.client.PutObject(ctx, c.bucketName, objectKey, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("ошибка загрузки '%s' в MinIO: %w", objectKey, err)
	}

	slog.Debug("Объект загружен в MinIO", "key", objectKey, "size", uploadInfo.Size, "etag", uploadInfo.ETag)
	return nil
}
