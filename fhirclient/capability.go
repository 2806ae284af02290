package fhirclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"gopkg.in/launchdarkly/go-sdk-common.v2/ldvalue"

	"github.com/openhealth/conformance-harness/framework/outcome"
)

// Capability is the subset of a server's CapabilityStatement that the harness uses.
type Capability struct {
	FHIRVersion string
	Software    string
	Formats     []string
	Raw         ldvalue.Value
}

// SupportsFormat returns true if the statement lists the format, either as a MIME type or as a
// short name like "json".
func (c Capability) SupportsFormat(format string) bool {
	for _, f := range c.Formats {
		if f == format || strings.HasSuffix(f, "+"+format) || strings.HasSuffix(f, "/"+format) {
			return true
		}
	}
	return false
}

// HasOperation returns true if the server declares a system or resource level operation with the
// given name, with or without the leading "$".
func (c Capability) HasOperation(name string) bool {
	name = strings.TrimPrefix(name, "$")
	rest := c.Raw.GetByKey("rest")
	for i := 0; i < rest.Count(); i++ {
		r := rest.GetByIndex(i)
		if hasOperation(r.GetByKey("operation"), name) {
			return true
		}
		resources := r.GetByKey("resource")
		for j := 0; j < resources.Count(); j++ {
			if hasOperation(resources.GetByIndex(j).GetByKey("operation"), name) {
				return true
			}
		}
	}
	return false
}

func hasOperation(ops ldvalue.Value, name string) bool {
	for i := 0; i < ops.Count(); i++ {
		if strings.TrimPrefix(ops.GetByIndex(i).GetByKey("name").StringValue(), "$") == name {
			return true
		}
	}
	return false
}

// ResourceTypes returns the resource types the server declares, in statement order.
func (c Capability) ResourceTypes() []string {
	var ret []string
	rest := c.Raw.GetByKey("rest")
	for i := 0; i < rest.Count(); i++ {
		resources := rest.GetByIndex(i).GetByKey("resource")
		for j := 0; j < resources.Count(); j++ {
			if t := resources.GetByIndex(j).GetByKey("type").StringValue(); t != "" {
				ret = append(ret, t)
			}
		}
	}
	return ret
}

// ParseCapability reads a CapabilityStatement.
func ParseCapability(resp Response) (Capability, error) {
	if resp.Status != http.StatusOK {
		return Capability{}, outcome.ServerViolation("metadata request returned HTTP %d", resp.Status)
	}
	v, err := resp.JSON()
	if err != nil {
		return Capability{}, err
	}
	if rt := v.GetByKey("resourceType").StringValue(); rt != "CapabilityStatement" {
		return Capability{}, outcome.ServerViolation("metadata returned a %q resource, expected CapabilityStatement", rt)
	}
	c := Capability{
		FHIRVersion: v.GetByKey("fhirVersion").StringValue(),
		Software:    v.GetByKey("software").GetByKey("name").StringValue(),
		Raw:         v,
	}
	formats := v.GetByKey("format")
	for i := 0; i < formats.Count(); i++ {
		c.Formats = append(c.Formats, formats.GetByIndex(i).StringValue())
	}
	return c, nil
}

// Capability requests <base>/metadata once.
func (c *Client) Capability(ctx context.Context) (Capability, error) {
	resp, err := c.Get(ctx, "metadata", FHIRJSON)
	if err != nil {
		return Capability{}, err
	}
	return ParseCapability(resp)
}

// WaitForServer polls <base>/metadata until the server answers or timeout elapses, printing
// progress to output. It is used once before any sequence runs.
func (c *Client) WaitForServer(ctx context.Context, timeout time.Duration, output io.Writer) (Capability, error) {
	fmt.Fprintf(output, "Connecting to server at %s", c.baseURL)

	deadline := time.Now().Add(timeout)
	for {
		fmt.Fprintf(output, ".")
		resp, err := c.Get(ctx, "metadata", FHIRJSON)
		if err == nil {
			fmt.Fprintln(output)
			capability, err := ParseCapability(resp)
			if err != nil {
				return Capability{}, err
			}
			fmt.Fprintf(output, "Server reports FHIR version %q (%s)\n", capability.FHIRVersion, capability.Software)
			return capability, nil
		}
		if ctx.Err() != nil {
			fmt.Fprintln(output)
			return Capability{}, ctx.Err()
		}
		if !time.Now().Before(deadline) {
			fmt.Fprintln(output)
			return Capability{}, fmt.Errorf("timed out, result of last query was: %w", err)
		}
		time.Sleep(time.Millisecond * 100)
	}
}
