package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
)

// azureStore implements Store for Azure Blob Storage.
type azureStore struct {
	client        *azblob.Client
	containerName string
	prefix        string
	name          string
}

func newAzureStore(cfg Config) (*azureStore, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("creating Azure credential: %w", err)
	}

	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net", cfg.StorageAccount)
	client, err := azblob.NewClient(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating Azure blob client: %w", err)
	}

	return &azureStore{
		client:        client,
		containerName: cfg.ContainerName,
		prefix:        normalizePrefix(cfg.Prefix),
		name:          cfg.Name,
	}, nil
}

func (s *azureStore) Name() string {
	return s.name
}

func uploadOptions(opts PutOptions) *blockblob.UploadStreamOptions {
	up := &blockblob.UploadStreamOptions{}
	if opts.ContentType != "" || opts.CacheControl != "" {
		up.HTTPHeaders = &blob.HTTPHeaders{}
		if opts.ContentType != "" {
			up.HTTPHeaders.BlobContentType = &opts.ContentType
		}
		if opts.CacheControl != "" {
			up.HTTPHeaders.BlobCacheControl = &opts.CacheControl
		}
	}
	if len(opts.Metadata) > 0 {
		m := make(map[string]*string, len(opts.Metadata))
		for k, v := range opts.Metadata {
			v := v
			m[k] = &v
		}
		up.Metadata = m
	}
	return up
}

func (s *azureStore) Put(ctx context.Context, key string, body io.Reader, opts PutOptions) error {
	_, err := s.client.UploadStream(ctx, s.containerName, s.prefix+key, body, uploadOptions(opts))
	if err != nil {
		return fmt.Errorf("azure UploadStream %q: %w", key, err)
	}
	return nil
}

func flattenMetadata(in map[string]*string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		if v != nil {
			out[strings.ToLower(k)] = *v
		}
	}
	return out
}

func (s *azureStore) Get(ctx context.Context, key string) (io.ReadCloser, ObjectMeta, error) {
	resp, err := s.client.DownloadStream(ctx, s.containerName, s.prefix+key, nil)
	if err != nil {
		if isAzureNotFound(err) {
			return nil, ObjectMeta{}, ErrNotFound
		}
		return nil, ObjectMeta{}, fmt.Errorf("azure DownloadStream %q: %w", key, err)
	}

	meta := ObjectMeta{Metadata: flattenMetadata(resp.Metadata)}
	if resp.ETag != nil {
		meta.ETag = string(*resp.ETag)
	}
	if resp.ContentLength != nil {
		meta.Size = *resp.ContentLength
	}
	return resp.Body, meta, nil
}

func (s *azureStore) Head(ctx context.Context, key string) (ObjectMeta, error) {
	blobClient := s.client.ServiceClient().NewContainerClient(s.containerName).NewBlobClient(s.prefix + key)
	props, err := blobClient.GetProperties(ctx, nil)
	if err != nil {
		if isAzureNotFound(err) {
			return ObjectMeta{}, ErrNotFound
		}
		return ObjectMeta{}, fmt.Errorf("azure GetProperties %q: %w", key, err)
	}

	meta := ObjectMeta{Metadata: flattenMetadata(props.Metadata)}
	if props.ETag != nil {
		meta.ETag = string(*props.ETag)
	}
	if props.ContentLength != nil {
		meta.Size = *props.ContentLength
	}
	return meta, nil
}

func (s *azureStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteBlob(ctx, s.containerName, s.prefix+key, nil)
	if err != nil && !isAzureNotFound(err) {
		return fmt.Errorf("azure DeleteBlob %q: %w", key, err)
	}
	return nil
}

func (s *azureStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	fullPrefix := s.prefix + prefix
	var results []ObjectInfo

	pager := s.client.NewListBlobsFlatPager(s.containerName, &container.ListBlobsFlatOptions{
		Prefix: &fullPrefix,
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("azure ListBlobsFlat prefix %q: %w", prefix, err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			info := ObjectInfo{Key: strings.TrimPrefix(*item.Name, s.prefix)}
			if item.Properties != nil {
				if item.Properties.ContentLength != nil {
					info.Size = *item.Properties.ContentLength
				}
				if item.Properties.ETag != nil {
					info.ETag = string(*item.Properties.ETag)
				}
			}
			results = append(results, info)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Key < results[j].Key })
	return results, nil
}

func azureAccessConditions(cond WriteCondition) *blob.AccessConditions {
	switch {
	case cond.MustNotExist:
		star := azcore.ETagAny
		return &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfNoneMatch: &star},
		}
	case cond.IfMatch != "":
		etag := azcore.ETag(cond.IfMatch)
		return &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfMatch: &etag},
		}
	}
	return nil
}

func (s *azureStore) ConditionalPut(ctx context.Context, key string, body io.Reader, cond WriteCondition, opts PutOptions) error {
	up := uploadOptions(opts)
	up.AccessConditions = azureAccessConditions(cond)

	_, err := s.client.UploadStream(ctx, s.containerName, s.prefix+key, body, up)
	if err != nil {
		if isAzurePreconditionFailed(err) {
			return ErrPreconditionFailed
		}
		return fmt.Errorf("azure ConditionalPut %q: %w", key, err)
	}
	return nil
}

func (s *azureStore) ConditionalDelete(ctx context.Context, key string, cond WriteCondition) error {
	_, err := s.client.DeleteBlob(ctx, s.containerName, s.prefix+key, &azblob.DeleteBlobOptions{
		AccessConditions: azureAccessConditions(cond),
	})
	if err != nil {
		switch {
		case isAzureNotFound(err):
			return ErrNotFound
		case isAzurePreconditionFailed(err):
			return ErrPreconditionFailed
		}
		return fmt.Errorf("azure ConditionalDelete %q: %w", key, err)
	}
	return nil
}

func isAzureNotFound(err error) bool {
	return bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound)
}

func isAzurePreconditionFailed(err error) bool {
	if bloberror.HasCode(err, bloberror.ConditionNotMet, bloberror.BlobAlreadyExists) {
		return true
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == 412 || respErr.StatusCode == 409
	}
	return false
}
