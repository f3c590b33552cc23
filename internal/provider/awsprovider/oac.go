package awsprovider

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
	"github.com/hashicorp/go-hclog"

	"github.com/docspreview/previewctl/internal/provider"
	"github.com/docspreview/previewctl/internal/resource"
)

// oacDriver manages the origin access control that signs the
// distribution's requests to the bucket, and its attachment to the
// distribution's origin.
type oacDriver struct {
	client CloudFrontClient
	logger hclog.Logger
}

func newOACDriver(client CloudFrontClient, logger hclog.Logger) *oacDriver {
	return &oacDriver{client: client, logger: logger.Named("access-control")}
}

func (d *oacDriver) Kind() resource.Kind { return resource.KindAccessControl }

func oacConfig(spec resource.Spec) *cftypes.OriginAccessControlConfig {
	ac := spec.AccessControl
	return &cftypes.OriginAccessControlConfig{
		Name:                          aws.String(spec.Name),
		Description:                   aws.String("preview " + envKeyOf(spec.Key)),
		OriginAccessControlOriginType: cftypes.OriginAccessControlOriginTypes("s3"),
		SigningBehavior:               cftypes.OriginAccessControlSigningBehaviors(ac.SigningBehavior),
		SigningProtocol:               cftypes.OriginAccessControlSigningProtocols(ac.SigningProtocol),
	}
}

func (d *oacDriver) Create(ctx context.Context, spec resource.Spec, refs provider.Refs) (resource.Handle, error) {
	if spec.AccessControl == nil {
		return resource.Handle{}, &provider.RejectedError{Op: provider.OpCreate, Kind: d.Kind(), Reason: "spec has no access control configuration"}
	}
	dist, err := refs.Lookup(spec.AccessControl.DistributionRef)
	if err != nil {
		return resource.Handle{}, &provider.RejectedError{Op: provider.OpCreate, Kind: d.Kind(), Err: err}
	}

	id, etag, err := d.create(ctx, spec)
	if err != nil {
		return resource.Handle{}, err
	}
	d.logger.Debug("created origin access control", "id", id, "distribution", dist.ID)

	if err := d.attach(ctx, dist, id); err != nil {
		_, derr := d.client.DeleteOriginAccessControl(context.WithoutCancel(ctx), &cloudfront.DeleteOriginAccessControlInput{
			Id:      aws.String(id),
			IfMatch: etag,
		})
		if derr != nil {
			d.logger.Warn("cleanup of unattached origin access control failed", "id", id, "error", derr)
		}
		return resource.Handle{}, classify(provider.OpCreate, d.Kind(), err)
	}
	return d.handle(spec.Name, id, dist), nil
}

// create creates the access control and returns its ID and ETag. Names
// are fixed per environment, so an access control left by a create whose
// response was lost already carries the name; it is adopted and brought
// in line with spec.
func (d *oacDriver) create(ctx context.Context, spec resource.Spec) (string, *string, error) {
	out, err := d.client.CreateOriginAccessControl(ctx, &cloudfront.CreateOriginAccessControlInput{
		OriginAccessControlConfig: oacConfig(spec),
	})
	if err == nil {
		return aws.ToString(out.OriginAccessControl.Id), out.ETag, nil
	}
	cerr := classify(provider.OpCreate, d.Kind(), fmt.Errorf("cloudfront: create origin access control %q: %w", spec.Name, err))
	if apiErrorCode(err) != "OriginAccessControlAlreadyExists" {
		return "", nil, cerr
	}

	id, err := d.findByName(ctx, spec.Name)
	if err != nil {
		return "", nil, classify(provider.OpCreate, d.Kind(), err)
	}
	if id == "" {
		return "", nil, cerr
	}
	cur, err := d.client.GetOriginAccessControl(ctx, &cloudfront.GetOriginAccessControlInput{Id: aws.String(id)})
	if err != nil {
		return "", nil, classify(provider.OpCreate, d.Kind(), fmt.Errorf("cloudfront: get origin access control %s: %w", id, err))
	}
	up, err := d.client.UpdateOriginAccessControl(ctx, &cloudfront.UpdateOriginAccessControlInput{
		Id:                        aws.String(id),
		IfMatch:                   cur.ETag,
		OriginAccessControlConfig: oacConfig(spec),
	})
	if err != nil {
		return "", nil, classify(provider.OpCreate, d.Kind(), fmt.Errorf("cloudfront: update origin access control %s: %w", id, err))
	}
	d.logger.Info("adopting existing origin access control", "id", id, "name", spec.Name)
	return id, up.ETag, nil
}

// findByName returns the ID of the access control called name, or "".
func (d *oacDriver) findByName(ctx context.Context, name string) (string, error) {
	in := &cloudfront.ListOriginAccessControlsInput{}
	for {
		out, err := d.client.ListOriginAccessControls(ctx, in)
		if err != nil {
			return "", fmt.Errorf("cloudfront: list origin access controls: %w", err)
		}
		list := out.OriginAccessControlList
		if list == nil {
			return "", nil
		}
		for _, item := range list.Items {
			if aws.ToString(item.Name) == name {
				return aws.ToString(item.Id), nil
			}
		}
		if !aws.ToBool(list.IsTruncated) || aws.ToString(list.NextMarker) == "" {
			return "", nil
		}
		in.Marker = list.NextMarker
	}
}

func (d *oacDriver) handle(name, id string, dist resource.Handle) resource.Handle {
	return resource.Handle{
		Kind: d.Kind(),
		ID:   id,
		Name: name,
		Attributes: map[string]string{
			attrDistribution: dist.ID,
			attrOriginID:     dist.Attributes[attrOriginID],
		},
	}
}

// attach points the distribution's origin at the access control. An empty
// oacID detaches it.
func (d *oacDriver) attach(ctx context.Context, dist resource.Handle, oacID string) error {
	cur, err := d.client.GetDistributionConfig(ctx, &cloudfront.GetDistributionConfigInput{Id: aws.String(dist.ID)})
	if err != nil {
		return fmt.Errorf("cloudfront: get distribution config %s: %w", dist.ID, err)
	}
	cfg := cur.DistributionConfig
	originID := dist.Attributes[attrOriginID]

	changed := false
	if cfg.Origins != nil {
		for i := range cfg.Origins.Items {
			o := &cfg.Origins.Items[i]
			if originID != "" && aws.ToString(o.Id) != originID {
				continue
			}
			if aws.ToString(o.OriginAccessControlId) != oacID {
				o.OriginAccessControlId = aws.String(oacID)
				changed = true
			}
		}
	}
	if !changed {
		return nil
	}

	_, err = d.client.UpdateDistribution(ctx, &cloudfront.UpdateDistributionInput{
		Id:                 aws.String(dist.ID),
		IfMatch:            cur.ETag,
		DistributionConfig: cfg,
	})
	if err != nil {
		return fmt.Errorf("cloudfront: attach origin access control to %s: %w", dist.ID, err)
	}
	return nil
}

func (d *oacDriver) Read(ctx context.Context, h resource.Handle) (resource.Spec, error) {
	out, err := d.client.GetOriginAccessControl(ctx, &cloudfront.GetOriginAccessControlInput{Id: aws.String(h.ID)})
	if err != nil {
		return resource.Spec{}, classify(provider.OpRead, d.Kind(), fmt.Errorf("cloudfront: get origin access control %s: %w", h.ID, err))
	}
	cfg := out.OriginAccessControl.OriginAccessControlConfig
	return resource.Spec{
		Kind: d.Kind(),
		Name: aws.ToString(cfg.Name),
		AccessControl: &resource.AccessControlConfig{
			SigningBehavior: string(cfg.SigningBehavior),
			SigningProtocol: string(cfg.SigningProtocol),
		},
	}, nil
}

func (d *oacDriver) Update(ctx context.Context, h resource.Handle, spec resource.Spec, refs provider.Refs) (resource.Handle, error) {
	if spec.AccessControl == nil {
		return resource.Handle{}, &provider.RejectedError{Op: provider.OpUpdate, Kind: d.Kind(), Reason: "spec has no access control configuration"}
	}
	dist, err := refs.Lookup(spec.AccessControl.DistributionRef)
	if err != nil {
		return resource.Handle{}, &provider.RejectedError{Op: provider.OpUpdate, Kind: d.Kind(), Err: err}
	}

	cur, err := d.client.GetOriginAccessControl(ctx, &cloudfront.GetOriginAccessControlInput{Id: aws.String(h.ID)})
	if err != nil {
		return resource.Handle{}, classify(provider.OpUpdate, d.Kind(), fmt.Errorf("cloudfront: get origin access control %s: %w", h.ID, err))
	}
	_, err = d.client.UpdateOriginAccessControl(ctx, &cloudfront.UpdateOriginAccessControlInput{
		Id:                        aws.String(h.ID),
		IfMatch:                   cur.ETag,
		OriginAccessControlConfig: oacConfig(spec),
	})
	if err != nil {
		return resource.Handle{}, classify(provider.OpUpdate, d.Kind(), fmt.Errorf("cloudfront: update origin access control %s: %w", h.ID, err))
	}
	if err := d.attach(ctx, dist, h.ID); err != nil {
		return resource.Handle{}, classify(provider.OpUpdate, d.Kind(), err)
	}
	return d.handle(spec.Name, h.ID, dist), nil
}

// Delete detaches the access control from its distribution before
// deleting it; CloudFront refuses to delete one that is in use.
func (d *oacDriver) Delete(ctx context.Context, h resource.Handle) error {
	if distID := h.Attributes[attrDistribution]; distID != "" {
		dist := resource.Handle{
			Kind:       resource.KindDistribution,
			ID:         distID,
			Attributes: map[string]string{attrOriginID: h.Attributes[attrOriginID]},
		}
		if err := ignoreNotFound(classify(provider.OpDelete, d.Kind(), d.attach(ctx, dist, ""))); err != nil {
			return err
		}
	}

	cur, err := d.client.GetOriginAccessControl(ctx, &cloudfront.GetOriginAccessControlInput{Id: aws.String(h.ID)})
	if err != nil {
		return ignoreNotFound(classify(provider.OpDelete, d.Kind(), fmt.Errorf("cloudfront: get origin access control %s: %w", h.ID, err)))
	}
	_, err = d.client.DeleteOriginAccessControl(ctx, &cloudfront.DeleteOriginAccessControlInput{
		Id:      aws.String(h.ID),
		IfMatch: cur.ETag,
	})
	if err != nil {
		return ignoreNotFound(classify(provider.OpDelete, d.Kind(), fmt.Errorf("cloudfront: delete origin access control %s: %w", h.ID, err)))
	}
	d.logger.Debug("deleted origin access control", "id", h.ID)
	return nil
}
