package reconcile

import (
	"fmt"
	"io"
	"sort"

	"github.com/docspreview/previewctl/internal/resource"
	"github.com/docspreview/previewctl/internal/state"
)

// Outputs are the values a preview environment exposes to its users.
type Outputs struct {
	DistributionDomain string `json:"distribution_domain,omitempty"`
	URL                string `json:"url,omitempty"`
	OriginName         string `json:"origin_name,omitempty"`
	DistributionID     string `json:"distribution_id,omitempty"`
}

// OutputsOf derives the outputs of a recorded environment.
func OutputsOf(rec *state.Record) Outputs {
	var out Outputs
	if rec == nil {
		return out
	}
	if h, ok := rec.Handle(resource.KindOriginStore); ok {
		out.OriginName = h.Name
	}
	if h, ok := rec.Handle(resource.KindDistribution); ok {
		out.DistributionDomain = h.Domain
		out.DistributionID = h.ID
		if h.Domain != "" {
			out.URL = "https://" + h.Domain + "/"
		}
	}
	return out
}

// Map returns the outputs keyed by their step-output names. Empty values
// are omitted.
func (o Outputs) Map() map[string]string {
	m := map[string]string{}
	add := func(k, v string) {
		if v != "" {
			m[k] = v
		}
	}
	add("domain", o.DistributionDomain)
	add("url", o.URL)
	add("origin", o.OriginName)
	add("distribution_id", o.DistributionID)
	return m
}

// WriteTo writes the outputs as sorted key=value lines, the format CI
// systems read step outputs from.
func (o Outputs) WriteTo(w io.Writer) (int64, error) {
	m := o.Map()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var total int64
	for _, k := range keys {
		n, err := fmt.Fprintf(w, "%s=%s\n", k, m[k])
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
