package service

import (
	"context"
	"fmt"
	"io"
	neturl "net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	gstorage "cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Extension of a file
type Extension string

// Some supported extensions
const (
	NoExtension   Extension = ""
	ExtensionJPEG Extension = "jpeg"
	ExtensionJP2  Extension = "jp2"
	ExtensionXML  Extension = "xml"
)

// Storage is a service to publish the composites
type Storage interface {
	// SaveComposite uploads the local file and returns its uri
	SaveComposite(ctx context.Context, localFile string) (string, error)
}

// S3Options configures the s3:// storage. Empty fields fall back to the default AWS configuration chain.
type S3Options struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// storageURI is a parsed storage uri: protocol://bucket/prefix or a local path
type storageURI struct {
	protocol string
	bucket   string
	prefix   string
}

func parseStorageURI(uri string) (storageURI, error) {
	if uri == "" {
		return storageURI{}, fmt.Errorf("empty storage uri")
	}
	if !strings.Contains(uri, "://") {
		return storageURI{protocol: "file", prefix: uri}, nil
	}
	u, err := neturl.Parse(uri)
	if err != nil {
		return storageURI{}, fmt.Errorf("parseStorageURI: %w", err)
	}
	switch u.Scheme {
	case "file":
		return storageURI{protocol: "file", prefix: u.Path}, nil
	case "gs", "s3":
		if u.Host == "" {
			return storageURI{}, fmt.Errorf("parseStorageURI: missing bucket in %s", uri)
		}
		return storageURI{protocol: u.Scheme, bucket: u.Host, prefix: strings.Trim(u.Path, "/")}, nil
	}
	return storageURI{}, fmt.Errorf("parseStorageURI: protocol not supported: %s", u.Scheme)
}

// key returns the object key of the file
func (u storageURI) key(filename string) string {
	return path.Join(u.prefix, filename)
}

func (u storageURI) String() string {
	if u.protocol == "file" {
		return u.prefix
	}
	return u.protocol + "://" + path.Join(u.bucket, u.prefix)
}

// StorageStrategy implements Storage on a local directory, a Google Storage bucket or an S3 bucket
type StorageStrategy struct {
	uri      storageURI
	gsClient *gstorage.Client
	uploader *manager.Uploader
}

// NewStorageStrategy creates a new StorageStrategy.
// storageURI is one of /local/path, file:///local/path, gs://bucket/prefix, s3://bucket/prefix
func NewStorageStrategy(ctx context.Context, storageURI string, s3opts S3Options) (*StorageStrategy, error) {
	uri, err := parseStorageURI(storageURI)
	if err != nil {
		return nil, fmt.Errorf("NewStorageStrategy.%w", err)
	}
	ss := &StorageStrategy{uri: uri}
	switch uri.protocol {
	case "file":
		if err := os.MkdirAll(uri.prefix, 0755); err != nil {
			return nil, fmt.Errorf("NewStorageStrategy.MkdirAll: %w", err)
		}
	case "gs":
		if ss.gsClient, err = gstorage.NewClient(ctx); err != nil {
			return nil, fmt.Errorf("NewStorageStrategy.gs: %w", err)
		}
	case "s3":
		var opts []func(*awsconfig.LoadOptions) error
		if s3opts.Region != "" {
			opts = append(opts, awsconfig.WithRegion(s3opts.Region))
		}
		if s3opts.AccessKeyID != "" {
			opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(s3opts.AccessKeyID, s3opts.SecretAccessKey, "")))
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("NewStorageStrategy.s3: %w", err)
		}
		ss.uploader = manager.NewUploader(s3.NewFromConfig(cfg))
	}
	return ss, nil
}

// SaveComposite implements Storage
func (ss *StorageStrategy) SaveComposite(ctx context.Context, localFile string) (string, error) {
	f, err := os.Open(localFile)
	if err != nil {
		return "", fmt.Errorf("SaveComposite.Open: %w", err)
	}
	defer f.Close()

	filename := filepath.Base(localFile)
	key := ss.uri.key(filename)
	switch ss.uri.protocol {
	case "file":
		if err := copyToFile(f, key); err != nil {
			return "", fmt.Errorf("SaveComposite: %w", err)
		}
		return key, nil
	case "gs":
		w := ss.gsClient.Bucket(ss.uri.bucket).Object(key).NewWriter(ctx)
		w.ContentType = contentType(filename)
		if _, err := io.Copy(w, f); err != nil {
			w.Close()
			return "", MakeTemporary(fmt.Errorf("SaveComposite.gs.Copy: %w", err))
		}
		if err := w.Close(); err != nil {
			return "", fmt.Errorf("SaveComposite.gs.Close: %w", err)
		}
		return "gs://" + path.Join(ss.uri.bucket, key), nil
	case "s3":
		if _, err := ss.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(ss.uri.bucket),
			Key:         aws.String(key),
			Body:        f,
			ContentType: aws.String(contentType(filename)),
		}); err != nil {
			return "", fmt.Errorf("SaveComposite.s3.Upload: %w", err)
		}
		return "s3://" + path.Join(ss.uri.bucket, key), nil
	}
	return "", fmt.Errorf("SaveComposite: protocol not supported: %s", ss.uri.protocol)
}

// URI returns the root uri of the storage
func (ss *StorageStrategy) URI() string {
	return ss.uri.String()
}

func copyToFile(r io.Reader, dst string) error {
	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("copyToFile.Create: %w", err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("copyToFile.Copy: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("copyToFile.Close: %w", err)
	}
	return os.Rename(tmp, dst)
}

func contentType(filename string) string {
	switch GetExt(filename) {
	case ExtensionJPEG, "jpg":
		return "image/jpeg"
	case ExtensionJP2:
		return "image/jp2"
	case ExtensionXML:
		return "application/xml"
	}
	return "application/octet-stream"
}

// WithExt replaces the extension of the file
func WithExt(filePath string, ext Extension) string {
	filePath = strings.TrimSuffix(filePath, filepath.Ext(filePath))
	if ext != "" {
		return fmt.Sprintf("%s.%s", filePath, string(ext))
	}
	return filePath
}

// GetExt returns the extension of the file (without dot)
func GetExt(filePath string) Extension {
	ext := path.Ext(filePath)
	if ext == "" {
		return NoExtension
	}
	return Extension(ext[1:])
}
