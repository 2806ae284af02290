package bulkexport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/openhealth/conformance-harness/framework/outcome"
)

// LineLimit is how many lines of each file are sent to the Validator. Every line is always parsed
// and type-checked regardless of the limit.
type LineLimit int

// AllLines validates every line.
const AllLines LineLimit = -1

// ParseLineLimit reads a configured limit: "all" means every line, a non-negative integer means
// that many lines, and anything else means structural checks only.
func ParseLineLimit(s string) LineLimit {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "all") {
		return AllLines
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 0 {
		return LineLimit(n)
	}
	return 0
}

func (l LineLimit) covers(line int) bool {
	return l == AllLines || line <= int(l)
}

func (l LineLimit) String() string {
	if l == AllLines {
		return "all"
	}
	return strconv.Itoa(int(l))
}

// ValidationOptions controls FetchAndValidate.
type ValidationOptions struct {
	Parser    Parser
	Validator Validator

	// Profile is passed to the Validator for every resource.
	Profile string

	Limit LineLimit
}

// FileReport summarizes one fetched file.
type FileReport struct {
	File      OutputFile
	Lines     int
	Validated int
}

// FetchAndValidate streams one exported file and checks it line by line. A wrong content type,
// an unparseable line, a line whose resourceType differs from the manifest entry, or any
// Validator error fails the file with an outcome.AssertionFailure.
func (c *Client) FetchAndValidate(ctx context.Context, file OutputFile, opts ValidationOptions) (FileReport, error) {
	report := FileReport{File: file}
	if opts.Parser == nil {
		opts.Parser = JSONParser{}
	}

	req, err := c.newRequest(ctx, http.MethodGet, file.URL, NDJSONContentType)
	if err != nil {
		return report, err
	}
	resp, err := c.stream(ctx, req)
	if err != nil {
		if errors.Is(err, errRequestTimeout) {
			return report, outcome.ServerViolation("fetching %s: %s", file.URL, err)
		}
		return report, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return report, outcome.ServerViolation("fetching %s returned HTTP %d", file.URL, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != NDJSONContentType {
		return report, &outcome.AssertionFailure{Message: fmt.Sprintf(
			"%s has content type %q, expected %q", file.URL, ct, NDJSONContentType)}
	}

	var problems []string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		report.Lines++
		res, err := opts.Parser.Parse(line, "application/fhir+json")
		if err != nil {
			return report, &outcome.AssertionFailure{Message: fmt.Sprintf(
				"%s line %d: cannot parse resource: %s", file.URL, lineNum, err)}
		}
		if res.Type != file.Type {
			return report, &outcome.AssertionFailure{Message: fmt.Sprintf(
				"%s line %d: resource type %q does not match manifest type %q", file.URL, lineNum, res.Type, file.Type)}
		}
		if opts.Validator != nil && opts.Limit.covers(report.Lines) {
			report.Validated++
			for _, p := range opts.Validator.Validate(res, opts.Profile) {
				problems = append(problems, fmt.Sprintf("line %d: %s", lineNum, p))
			}
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		return report, outcome.ServerViolation("reading %s: %s", file.URL, err)
	}
	if len(problems) > 0 {
		return report, &outcome.AssertionFailure{Message: fmt.Sprintf(
			"%s failed validation:\n%s", file.URL, strings.Join(problems, "\n"))}
	}
	if file.Count > 0 && file.Count != report.Lines {
		c.logger.Printf("Manifest declared %d resources in %s, file has %d", file.Count, file.URL, report.Lines)
	}
	return report, nil
}
