// Package policy builds and evaluates the access policy documents returned by
// the authorizer.
//
// A document lists allow and deny statements over fully qualified method
// resources of the form
//
//	arn:aws:execute-api:{region}:{account}:{api}/{stage}/{verb}/{path}
//
// Documents are built fresh for every request and never persisted.
package policy
