package policy

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	// Version is the policy language version stamped on every document.
	Version = "2012-10-17"
	// InvokeAction is the single action granted or denied by statements.
	InvokeAction = "execute-api:Invoke"
	// DefaultPartition prefixes every method resource.
	DefaultPartition = "arn:aws:execute-api"
)

// Effect is the outcome a statement applies to its resources.
type Effect string

const (
	EffectAllow Effect = "Allow"
	EffectDeny  Effect = "Deny"
)

// Verb is an HTTP method or the wildcard matching all of them.
type Verb string

const (
	VerbGet     Verb = "GET"
	VerbPost    Verb = "POST"
	VerbPut     Verb = "PUT"
	VerbPatch   Verb = "PATCH"
	VerbHead    Verb = "HEAD"
	VerbDelete  Verb = "DELETE"
	VerbOptions Verb = "OPTIONS"
	VerbAll     Verb = "*"
)

// ErrNoStatements indicates a build without any allow or deny statement.
var ErrNoStatements = errors.New("No statements defined for the policy")

var resourcePattern = regexp.MustCompile(`^[/.a-zA-Z0-9\-*]+$`)

// Conditions is a statement condition block keyed by operator then context key.
type Conditions map[string]map[string]any

// Statement is one policy statement.
type Statement struct {
	Action    string     `json:"Action"`
	Effect    Effect     `json:"Effect"`
	Resource  []string   `json:"Resource"`
	Condition Conditions `json:"Condition,omitempty"`
}

// Document is a policy document bound to a principal.
type Document struct {
	PrincipalID string      `json:"-"`
	Version     string      `json:"Version"`
	Statements  []Statement `json:"Statement"`
}

type method struct {
	resource   string
	conditions Conditions
}

// Builder accumulates allowed and denied methods for one principal.
type Builder struct {
	PrincipalID string
	AccountID   string
	Region      string
	APIID       string
	Stage       string
	// Partition defaults to DefaultPartition.
	Partition string

	allow []method
	deny  []method
}

// NewBuilder returns a builder scoped to one API stage.
func NewBuilder(principalID, accountID, region, apiID, stage string) *Builder {
	return &Builder{
		PrincipalID: principalID,
		AccountID:   accountID,
		Region:      region,
		APIID:       apiID,
		Stage:       stage,
	}
}

// Allow grants verb on path.
func (b *Builder) Allow(verb Verb, path string) error {
	return b.add(EffectAllow, verb, path, nil)
}

// Deny refuses verb on path.
func (b *Builder) Deny(verb Verb, path string) error {
	return b.add(EffectDeny, verb, path, nil)
}

// AllowWithConditions grants verb on path when conditions hold.
func (b *Builder) AllowWithConditions(verb Verb, path string, conditions Conditions) error {
	return b.add(EffectAllow, verb, path, conditions)
}

// DenyWithConditions refuses verb on path when conditions hold.
func (b *Builder) DenyWithConditions(verb Verb, path string, conditions Conditions) error {
	return b.add(EffectDeny, verb, path, conditions)
}

// AllowAll grants every method of the API stage.
func (b *Builder) AllowAll() error {
	return b.add(EffectAllow, VerbAll, "*", nil)
}

// DenyAll refuses every method of the API stage.
func (b *Builder) DenyAll() error {
	return b.add(EffectDeny, VerbAll, "*", nil)
}

func (b *Builder) add(effect Effect, verb Verb, path string, conditions Conditions) error {
	if !verb.valid() {
		return fmt.Errorf("invalid HTTP verb %q", verb)
	}
	if !resourcePattern.MatchString(path) {
		return fmt.Errorf("invalid resource path %q: path should match %s", path, resourcePattern.String())
	}
	entry := method{resource: b.resourceARN(verb, path), conditions: conditions}
	switch effect {
	case EffectAllow:
		b.allow = append(b.allow, entry)
	case EffectDeny:
		b.deny = append(b.deny, entry)
	default:
		return fmt.Errorf("invalid effect %q", effect)
	}
	return nil
}

func (b *Builder) resourceARN(verb Verb, path string) string {
	partition := b.Partition
	if partition == "" {
		partition = DefaultPartition
	}
	path = strings.TrimPrefix(path, "/")
	return partition + ":" + b.Region + ":" + b.AccountID + ":" + b.APIID + "/" + b.Stage + "/" + string(verb) + "/" + path
}

// Build assembles the document. Conditional methods get their own statement,
// unconditional ones are coalesced into a single statement per effect.
func (b *Builder) Build() (Document, error) {
	if len(b.allow) == 0 && len(b.deny) == 0 {
		return Document{}, ErrNoStatements
	}
	doc := Document{PrincipalID: b.PrincipalID, Version: Version}
	doc.Statements = append(doc.Statements, statementsFor(EffectAllow, b.allow)...)
	doc.Statements = append(doc.Statements, statementsFor(EffectDeny, b.deny)...)
	return doc, nil
}

func statementsFor(effect Effect, methods []method) []Statement {
	if len(methods) == 0 {
		return nil
	}
	var statements []Statement
	coalesced := Statement{Action: InvokeAction, Effect: effect, Resource: []string{}}
	for _, m := range methods {
		if len(m.conditions) == 0 {
			coalesced.Resource = append(coalesced.Resource, m.resource)
			continue
		}
		statements = append(statements, Statement{
			Action:    InvokeAction,
			Effect:    effect,
			Resource:  []string{m.resource},
			Condition: m.conditions,
		})
	}
	return append(statements, coalesced)
}

// Build allows every pattern for all verbs and returns the document.
func Build(principalID, accountID, region, apiID, stage string, patterns []string) (Document, error) {
	b := NewBuilder(principalID, accountID, region, apiID, stage)
	for _, pattern := range patterns {
		if err := b.Allow(VerbAll, strings.TrimSpace(pattern)); err != nil {
			return Document{}, err
		}
	}
	return b.Build()
}

func (v Verb) valid() bool {
	switch v {
	case VerbGet, VerbPost, VerbPut, VerbPatch, VerbHead, VerbDelete, VerbOptions, VerbAll:
		return true
	default:
		return false
	}
}
