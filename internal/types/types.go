// Package types provides shared type definitions used across Mnemos packages.
// This package exists to break import cycles between the store, the crypto
// layer, and the pipeline packages. Types here are foundational data
// structures with no complex dependencies.
package types

import (
	"time"
)

// MemoryID is the stable, time-ordered identifier of a Memory.
type MemoryID string

// SourceID identifies an original file held in the vault.
type SourceID string

// ContentType tags what kind of thing a Memory captures.
type ContentType string

const (
	ContentText     ContentType = "text"
	ContentPhoto    ContentType = "photo"
	ContentVoice    ContentType = "voice"
	ContentVideo    ContentType = "video"
	ContentDocument ContentType = "document"
	ContentEmail    ContentType = "email"
	ContentWebpage  ContentType = "webpage"
)

// SourceClass tags how a Memory entered the system.
type SourceClass string

const (
	SourceManual  SourceClass = "manual"
	SourceImport  SourceClass = "import"
	SourceEmail   SourceClass = "email"
	SourceBrowser SourceClass = "browser"
	SourceAPI     SourceClass = "api"
	SourceVoice   SourceClass = "voice"
)

// Visibility controls whether a Memory is surfaced to heir-mode sessions.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// RelationshipKind is the closed set of Connection edge labels.
type RelationshipKind string

const (
	RelRelated     RelationshipKind = "related"
	RelCausedBy    RelationshipKind = "caused_by"
	RelContradicts RelationshipKind = "contradicts"
	RelSupports    RelationshipKind = "supports"
	RelReferences  RelationshipKind = "references"
	RelExtends     RelationshipKind = "extends"
	RelSummarizes  RelationshipKind = "summarizes"
)

// ValidRelationship reports whether k is one of the closed edge labels.
func ValidRelationship(k RelationshipKind) bool {
	switch k {
	case RelRelated, RelCausedBy, RelContradicts, RelSupports,
		RelReferences, RelExtends, RelSummarizes:
		return true
	}
	return false
}

// TokenType scopes a blind-index token to the field it was derived from.
type TokenType string

const (
	TokenTitle    TokenType = "title"
	TokenBody     TokenType = "body"
	TokenTag      TokenType = "tag"
	TokenPerson   TokenType = "person"
	TokenLocation TokenType = "location"
	TokenDate     TokenType = "date"
)

// PersonRelation classifies a Person relative to the owner.
type PersonRelation string

const (
	RelationSelf        PersonRelation = "self"
	RelationSpouse      PersonRelation = "spouse"
	RelationChild       PersonRelation = "child"
	RelationParent      PersonRelation = "parent"
	RelationSibling     PersonRelation = "sibling"
	RelationGrandparent PersonRelation = "grandparent"
	RelationGrandchild  PersonRelation = "grandchild"
	RelationAuntUncle   PersonRelation = "aunt_uncle"
	RelationCousin      PersonRelation = "cousin"
	RelationInLaw       PersonRelation = "in_law"
	RelationFriend      PersonRelation = "friend"
	RelationOther       PersonRelation = "other"
)

// PersonLinkSource is the provenance of a memory-person association.
type PersonLinkSource string

const (
	LinkManual    PersonLinkSource = "manual"
	LinkImport    PersonLinkSource = "import"
	LinkInference PersonLinkSource = "inference"
)

// SuggestionStatus is the lifecycle of an AI-proposed action. The terminal
// states are irreversible.
type SuggestionStatus string

const (
	SuggestionPending   SuggestionStatus = "pending"
	SuggestionAccepted  SuggestionStatus = "accepted"
	SuggestionDismissed SuggestionStatus = "dismissed"
)

// AlertLevel is the heartbeat escalation ladder, ordered. Later constants
// compare greater than earlier ones.
type AlertLevel int

const (
	AlertFresh AlertLevel = iota
	AlertReminded
	AlertUrgentReminder
	AlertEmergencyContact
	AlertKeyholders
	AlertInheritance
)

// String returns the wire name of the alert level.
func (l AlertLevel) String() string {
	switch l {
	case AlertFresh:
		return "fresh"
	case AlertReminded:
		return "reminder"
	case AlertUrgentReminder:
		return "urgent_reminder"
	case AlertEmergencyContact:
		return "emergency_contact_alert"
	case AlertKeyholders:
		return "keyholder_alert"
	case AlertInheritance:
		return "inheritance_trigger"
	}
	return "unknown"
}

// SearchMode selects how a query is resolved.
type SearchMode string

const (
	ModeKeyword  SearchMode = "keyword"
	ModeSemantic SearchMode = "semantic"
	ModeHybrid   SearchMode = "hybrid"
)

// AuditFinding classifies an integrity-audit discrepancy.
type AuditFinding string

const (
	FindingMissing AuditFinding = "missing" // manifest row without a file
	FindingOrphan  AuditFinding = "orphan"  // file without a manifest row
	FindingCorrupt AuditFinding = "corrupt" // ciphertext digest mismatch
)

// ChatRole tags a conversation message author.
type ChatRole string

const (
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
)

// Clock abstracts time for the heartbeat and scheduler tests.
type Clock interface {
	Now() time.Time
}

// WallClock is the production Clock.
type WallClock struct{}

func (WallClock) Now() time.Time { return time.Now().UTC() }
