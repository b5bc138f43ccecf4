package policy

import (
	"fmt"
	"strings"
)

// MethodARN identifies one invoked API method.
type MethodARN struct {
	Partition string
	Region    string
	AccountID string
	APIID     string
	Stage     string
	Verb      string
	Path      string
}

// ParseMethodARN parses scheme:partition:service:region:account:api-id/stage/verb/path.
func ParseMethodARN(value string) (MethodARN, error) {
	parts := strings.SplitN(value, ":", 6)
	if len(parts) != 6 {
		return MethodARN{}, fmt.Errorf("method arn %q has %d sections, want 6", value, len(parts))
	}
	pathParts := strings.SplitN(parts[5], "/", 4)
	if len(pathParts) < 3 {
		return MethodARN{}, fmt.Errorf("method arn %q is missing api, stage, or verb", value)
	}
	arn := MethodARN{
		Partition: strings.Join(parts[:3], ":"),
		Region:    parts[3],
		AccountID: parts[4],
		APIID:     pathParts[0],
		Stage:     pathParts[1],
		Verb:      pathParts[2],
	}
	if len(pathParts) == 4 {
		arn.Path = pathParts[3]
	}
	if arn.Region == "" || arn.AccountID == "" || arn.APIID == "" || arn.Stage == "" || arn.Verb == "" {
		return MethodARN{}, fmt.Errorf("method arn %q has empty sections", value)
	}
	return arn, nil
}

// String formats the ARN back into its canonical form.
func (a MethodARN) String() string {
	return a.Partition + ":" + a.Region + ":" + a.AccountID + ":" + a.APIID + "/" + a.Stage + "/" + a.Verb + "/" + a.Path
}

// Builder returns a policy builder scoped to the ARN's API stage.
func (a MethodARN) Builder(principalID string) *Builder {
	b := NewBuilder(principalID, a.AccountID, a.Region, a.APIID, a.Stage)
	b.Partition = a.Partition
	return b
}
