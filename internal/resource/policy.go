package resource

import (
	"encoding/json"
	"fmt"
)

// PolicyDocument is the access policy attached to an origin store.
type PolicyDocument struct {
	Version   string            `json:"Version"`
	Statement []PolicyStatement `json:"Statement"`
}

// PolicyStatement is a single statement of a PolicyDocument.
type PolicyStatement struct {
	Sid       string                       `json:"Sid"`
	Effect    string                       `json:"Effect"`
	Principal map[string]string            `json:"Principal"`
	Action    []string                     `json:"Action"`
	Resource  string                       `json:"Resource"`
	Condition map[string]map[string]string `json:"Condition"`
}

const (
	policyVersion = "2012-10-17"
	cdnPrincipal  = "cloudfront.amazonaws.com"
)

// RenderPolicy builds the policy document granting the distribution read
// access to objects in the origin store. The grant is conditioned on the
// distribution ARN so no other distribution can use it.
func RenderPolicy(cfg PolicyConfig, origin, distribution Handle) (PolicyDocument, error) {
	if origin.Name == "" {
		return PolicyDocument{}, fmt.Errorf("resource: policy origin %q has no name", cfg.OriginRef)
	}
	if distribution.ARN == "" {
		return PolicyDocument{}, fmt.Errorf("resource: policy distribution %q has no ARN", cfg.DistributionRef)
	}
	actions := cfg.Actions
	if len(actions) == 0 {
		actions = ReadActions
	}
	for _, a := range actions {
		if !isReadAction(a) {
			return PolicyDocument{}, fmt.Errorf("resource: policy action %q is not a read action", a)
		}
	}

	return PolicyDocument{
		Version: policyVersion,
		Statement: []PolicyStatement{{
			Sid:       "AllowPreviewDistributionRead",
			Effect:    "Allow",
			Principal: map[string]string{"Service": cdnPrincipal},
			Action:    append([]string(nil), actions...),
			Resource:  "arn:aws:s3:::" + origin.Name + "/*",
			Condition: map[string]map[string]string{
				"StringEquals": {"AWS:SourceArn": distribution.ARN},
			},
		}},
	}, nil
}

// JSON returns the compact JSON encoding of the document.
func (d PolicyDocument) JSON() (string, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("resource: marshal policy: %w", err)
	}
	return string(data), nil
}

// GrantedTo returns the distribution ARNs the document grants access to.
func (d PolicyDocument) GrantedTo() []string {
	var arns []string
	for _, st := range d.Statement {
		if st.Effect != "Allow" {
			continue
		}
		if arn := st.Condition["StringEquals"]["AWS:SourceArn"]; arn != "" {
			arns = append(arns, arn)
		}
	}
	return arns
}

// ParsePolicy decodes a policy document.
func ParsePolicy(doc string) (PolicyDocument, error) {
	var d PolicyDocument
	if err := json.Unmarshal([]byte(doc), &d); err != nil {
		return PolicyDocument{}, fmt.Errorf("resource: parse policy: %w", err)
	}
	return d, nil
}
