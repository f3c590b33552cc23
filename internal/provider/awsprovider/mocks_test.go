package awsprovider

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// mockS3Client keeps objects in memory and lets tests override bucket
// operations. Unset funcs succeed with empty outputs.
type mockS3Client struct {
	mu      sync.Mutex
	objects map[string][]byte

	createBucketFunc    func(*s3.CreateBucketInput) error
	headBucketFunc      func(*s3.HeadBucketInput) error
	deleteBucketFunc    func(*s3.DeleteBucketInput) error
	putTaggingFunc      func(*s3.PutBucketTaggingInput) error
	putPolicyFunc       func(*s3.PutBucketPolicyInput) error
	getPolicyFunc       func(*s3.GetBucketPolicyInput) (*s3.GetBucketPolicyOutput, error)
	deletePolicyFunc    func(*s3.DeleteBucketPolicyInput) error
	publicAccessBlocked []string
	deletedBuckets      []string
}

func newMockS3() *mockS3Client {
	return &mockS3Client{objects: map[string][]byte{}}
}

func (m *mockS3Client) objectKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func objectKey(bucket, key *string) string { return aws.ToString(bucket) + "/" + aws.ToString(key) }

func (m *mockS3Client) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[objectKey(in.Bucket, in.Key)] = data
	return &s3.PutObjectOutput{ETag: aws.String(`"etag"`)}, nil
}

func (m *mockS3Client) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[objectKey(in.Bucket, in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func (m *mockS3Client) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[objectKey(in.Bucket, in.Key)]
	if !ok {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (m *mockS3Client) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, objectKey(in.Bucket, in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (m *mockS3Client) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Prefix)
	out := &s3.ListObjectsV2Output{}
	for k, data := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out.Contents = append(out.Contents, s3types.Object{
				Key:  aws.String(strings.TrimPrefix(k, aws.ToString(in.Bucket)+"/")),
				Size: aws.Int64(int64(len(data))),
			})
		}
	}
	return out, nil
}

func (m *mockS3Client) CreateBucket(_ context.Context, in *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	if m.createBucketFunc != nil {
		if err := m.createBucketFunc(in); err != nil {
			return nil, err
		}
	}
	return &s3.CreateBucketOutput{}, nil
}

func (m *mockS3Client) HeadBucket(_ context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if m.headBucketFunc != nil {
		if err := m.headBucketFunc(in); err != nil {
			return nil, err
		}
	}
	return &s3.HeadBucketOutput{}, nil
}

func (m *mockS3Client) DeleteBucket(_ context.Context, in *s3.DeleteBucketInput, _ ...func(*s3.Options)) (*s3.DeleteBucketOutput, error) {
	if m.deleteBucketFunc != nil {
		if err := m.deleteBucketFunc(in); err != nil {
			return nil, err
		}
	}
	m.deletedBuckets = append(m.deletedBuckets, aws.ToString(in.Bucket))
	return &s3.DeleteBucketOutput{}, nil
}

func (m *mockS3Client) PutPublicAccessBlock(_ context.Context, in *s3.PutPublicAccessBlockInput, _ ...func(*s3.Options)) (*s3.PutPublicAccessBlockOutput, error) {
	m.publicAccessBlocked = append(m.publicAccessBlocked, aws.ToString(in.Bucket))
	return &s3.PutPublicAccessBlockOutput{}, nil
}

func (m *mockS3Client) PutBucketTagging(_ context.Context, in *s3.PutBucketTaggingInput, _ ...func(*s3.Options)) (*s3.PutBucketTaggingOutput, error) {
	if m.putTaggingFunc != nil {
		if err := m.putTaggingFunc(in); err != nil {
			return nil, err
		}
	}
	return &s3.PutBucketTaggingOutput{}, nil
}

func (m *mockS3Client) GetBucketTagging(context.Context, *s3.GetBucketTaggingInput, ...func(*s3.Options)) (*s3.GetBucketTaggingOutput, error) {
	return nil, &smithy.GenericAPIError{Code: "NoSuchTagSet"}
}

func (m *mockS3Client) PutBucketPolicy(_ context.Context, in *s3.PutBucketPolicyInput, _ ...func(*s3.Options)) (*s3.PutBucketPolicyOutput, error) {
	if m.putPolicyFunc != nil {
		if err := m.putPolicyFunc(in); err != nil {
			return nil, err
		}
	}
	return &s3.PutBucketPolicyOutput{}, nil
}

func (m *mockS3Client) GetBucketPolicy(_ context.Context, in *s3.GetBucketPolicyInput, _ ...func(*s3.Options)) (*s3.GetBucketPolicyOutput, error) {
	if m.getPolicyFunc != nil {
		return m.getPolicyFunc(in)
	}
	return nil, &smithy.GenericAPIError{Code: "NoSuchBucketPolicy"}
}

func (m *mockS3Client) DeleteBucketPolicy(_ context.Context, in *s3.DeleteBucketPolicyInput, _ ...func(*s3.Options)) (*s3.DeleteBucketPolicyOutput, error) {
	if m.deletePolicyFunc != nil {
		if err := m.deletePolicyFunc(in); err != nil {
			return nil, err
		}
	}
	return &s3.DeleteBucketPolicyOutput{}, nil
}

// mockCloudFrontClient holds a single distribution config and its ETag.
// Each update bumps the ETag; mismatched IfMatch values are refused.
type mockCloudFrontClient struct {
	dist   *cftypes.DistributionConfig
	etag   int
	status string

	created  *cloudfront.CreateDistributionWithTagsInput
	updates  []*cloudfront.UpdateDistributionInput
	deleted  []string
	oacs     map[string]*cftypes.OriginAccessControlConfig
	oacSeq   int
	tagged   *cloudfront.TagResourceInput
	waitGets int

	updateDistributionFunc func(*cloudfront.UpdateDistributionInput) error
	createOACFunc          func(*cloudfront.CreateOriginAccessControlInput) error
}

func newMockCloudFront() *mockCloudFrontClient {
	return &mockCloudFrontClient{status: "Deployed", oacs: map[string]*cftypes.OriginAccessControlConfig{}}
}

func (m *mockCloudFrontClient) currentETag() *string {
	return aws.String("E" + string(rune('A'+m.etag)))
}

func (m *mockCloudFrontClient) distribution() *cftypes.Distribution {
	return &cftypes.Distribution{
		Id:                 aws.String("E2TESTDIST"),
		ARN:                aws.String("arn:aws:cloudfront::123456789012:distribution/E2TESTDIST"),
		DomainName:         aws.String("d111111abcdef8.cloudfront.net"),
		Status:             aws.String(m.status),
		DistributionConfig: copyDistributionConfig(m.dist),
	}
}

// copyDistributionConfig returns a copy of cfg whose origins can be
// modified without touching the stored config, as with a real response.
func copyDistributionConfig(cfg *cftypes.DistributionConfig) *cftypes.DistributionConfig {
	if cfg == nil {
		return nil
	}
	out := *cfg
	if cfg.Origins != nil {
		origins := *cfg.Origins
		origins.Items = append([]cftypes.Origin(nil), cfg.Origins.Items...)
		out.Origins = &origins
	}
	return &out
}

func noSuchDistribution() error { return &smithy.GenericAPIError{Code: "NoSuchDistribution"} }

func (m *mockCloudFrontClient) CreateDistributionWithTags(_ context.Context, in *cloudfront.CreateDistributionWithTagsInput, _ ...func(*cloudfront.Options)) (*cloudfront.CreateDistributionWithTagsOutput, error) {
	m.created = in
	m.dist = in.DistributionConfigWithTags.DistributionConfig
	return &cloudfront.CreateDistributionWithTagsOutput{Distribution: m.distribution(), ETag: m.currentETag()}, nil
}

func (m *mockCloudFrontClient) GetDistribution(context.Context, *cloudfront.GetDistributionInput, ...func(*cloudfront.Options)) (*cloudfront.GetDistributionOutput, error) {
	if m.dist == nil {
		return nil, noSuchDistribution()
	}
	m.waitGets++
	return &cloudfront.GetDistributionOutput{Distribution: m.distribution(), ETag: m.currentETag()}, nil
}

func (m *mockCloudFrontClient) GetDistributionConfig(context.Context, *cloudfront.GetDistributionConfigInput, ...func(*cloudfront.Options)) (*cloudfront.GetDistributionConfigOutput, error) {
	if m.dist == nil {
		return nil, noSuchDistribution()
	}
	return &cloudfront.GetDistributionConfigOutput{DistributionConfig: copyDistributionConfig(m.dist), ETag: m.currentETag()}, nil
}

func (m *mockCloudFrontClient) UpdateDistribution(_ context.Context, in *cloudfront.UpdateDistributionInput, _ ...func(*cloudfront.Options)) (*cloudfront.UpdateDistributionOutput, error) {
	if m.updateDistributionFunc != nil {
		if err := m.updateDistributionFunc(in); err != nil {
			return nil, err
		}
	}
	if m.dist == nil {
		return nil, noSuchDistribution()
	}
	if aws.ToString(in.IfMatch) != aws.ToString(m.currentETag()) {
		return nil, &smithy.GenericAPIError{Code: "PreconditionFailed"}
	}
	m.updates = append(m.updates, in)
	m.dist = in.DistributionConfig
	m.etag++
	return &cloudfront.UpdateDistributionOutput{Distribution: m.distribution(), ETag: m.currentETag()}, nil
}

func (m *mockCloudFrontClient) DeleteDistribution(_ context.Context, in *cloudfront.DeleteDistributionInput, _ ...func(*cloudfront.Options)) (*cloudfront.DeleteDistributionOutput, error) {
	if m.dist == nil {
		return nil, noSuchDistribution()
	}
	if aws.ToBool(m.dist.Enabled) {
		return nil, &smithy.GenericAPIError{Code: "DistributionNotDisabled"}
	}
	if aws.ToString(in.IfMatch) != aws.ToString(m.currentETag()) {
		return nil, &smithy.GenericAPIError{Code: "PreconditionFailed"}
	}
	m.deleted = append(m.deleted, aws.ToString(in.Id))
	m.dist = nil
	return &cloudfront.DeleteDistributionOutput{}, nil
}

func (m *mockCloudFrontClient) TagResource(_ context.Context, in *cloudfront.TagResourceInput, _ ...func(*cloudfront.Options)) (*cloudfront.TagResourceOutput, error) {
	m.tagged = in
	return &cloudfront.TagResourceOutput{}, nil
}

func (m *mockCloudFrontClient) CreateOriginAccessControl(_ context.Context, in *cloudfront.CreateOriginAccessControlInput, _ ...func(*cloudfront.Options)) (*cloudfront.CreateOriginAccessControlOutput, error) {
	if m.createOACFunc != nil {
		if err := m.createOACFunc(in); err != nil {
			return nil, err
		}
	}
	for _, cfg := range m.oacs {
		if aws.ToString(cfg.Name) == aws.ToString(in.OriginAccessControlConfig.Name) {
			return nil, &smithy.GenericAPIError{Code: "OriginAccessControlAlreadyExists"}
		}
	}
	m.oacSeq++
	id := "OAC" + string(rune('0'+m.oacSeq))
	m.oacs[id] = in.OriginAccessControlConfig
	return &cloudfront.CreateOriginAccessControlOutput{
		OriginAccessControl: &cftypes.OriginAccessControl{Id: aws.String(id), OriginAccessControlConfig: in.OriginAccessControlConfig},
		ETag:                aws.String("O1"),
	}, nil
}

func (m *mockCloudFrontClient) GetOriginAccessControl(_ context.Context, in *cloudfront.GetOriginAccessControlInput, _ ...func(*cloudfront.Options)) (*cloudfront.GetOriginAccessControlOutput, error) {
	cfg, ok := m.oacs[aws.ToString(in.Id)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchOriginAccessControl"}
	}
	return &cloudfront.GetOriginAccessControlOutput{
		OriginAccessControl: &cftypes.OriginAccessControl{Id: in.Id, OriginAccessControlConfig: cfg},
		ETag:                aws.String("O1"),
	}, nil
}

func (m *mockCloudFrontClient) UpdateOriginAccessControl(_ context.Context, in *cloudfront.UpdateOriginAccessControlInput, _ ...func(*cloudfront.Options)) (*cloudfront.UpdateOriginAccessControlOutput, error) {
	if _, ok := m.oacs[aws.ToString(in.Id)]; !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchOriginAccessControl"}
	}
	m.oacs[aws.ToString(in.Id)] = in.OriginAccessControlConfig
	return &cloudfront.UpdateOriginAccessControlOutput{ETag: aws.String("O2")}, nil
}

func (m *mockCloudFrontClient) ListOriginAccessControls(context.Context, *cloudfront.ListOriginAccessControlsInput, ...func(*cloudfront.Options)) (*cloudfront.ListOriginAccessControlsOutput, error) {
	ids := make([]string, 0, len(m.oacs))
	for id := range m.oacs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	list := &cftypes.OriginAccessControlList{IsTruncated: aws.Bool(false)}
	for _, id := range ids {
		list.Items = append(list.Items, cftypes.OriginAccessControlSummary{Id: aws.String(id), Name: m.oacs[id].Name})
	}
	return &cloudfront.ListOriginAccessControlsOutput{OriginAccessControlList: list}, nil
}

func (m *mockCloudFrontClient) DeleteOriginAccessControl(_ context.Context, in *cloudfront.DeleteOriginAccessControlInput, _ ...func(*cloudfront.Options)) (*cloudfront.DeleteOriginAccessControlOutput, error) {
	id := aws.ToString(in.Id)
	if _, ok := m.oacs[id]; !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchOriginAccessControl"}
	}
	if m.dist != nil {
		for _, o := range m.dist.Origins.Items {
			if aws.ToString(o.OriginAccessControlId) == id {
				return nil, &smithy.GenericAPIError{Code: "OriginAccessControlInUse"}
			}
		}
	}
	delete(m.oacs, id)
	return &cloudfront.DeleteOriginAccessControlOutput{}, nil
}
