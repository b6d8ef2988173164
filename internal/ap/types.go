// Package ap defines the ActivityPub wire shapes exchanged between
// instances: actor documents, activity envelopes, objects, collections,
// and the WebFinger/NodeInfo descriptors.
package ap

import (
	"encoding/json"
	"fmt"
)

// StringOrArray deserialises an AP field that may be either a JSON string
// or a JSON array of strings (both are valid per the AP spec).
type StringOrArray []string

func (s *StringOrArray) UnmarshalJSON(data []byte) error {
	var arr []string
	if err := json.Unmarshal(data, &arr); err == nil {
		*s = arr
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = []string{str}
		return nil
	}
	return fmt.Errorf("cannot unmarshal %s into string or []string", data)
}

const (
	PublicURI         = "https://www.w3.org/ns/activitystreams#Public"
	ActivityStreamsNS = "https://www.w3.org/ns/activitystreams"
	SecurityNS        = "https://w3id.org/security/v1"
	DataIntegrityNS   = "https://w3id.org/security/data-integrity/v1"
)

// DefaultContext is the standard JSON-LD @context for emitted objects.
var DefaultContext = []interface{}{
	ActivityStreamsNS,
	SecurityNS,
	map[string]interface{}{
		"Hashtag":                   "as:Hashtag",
		"sensitive":                 "as:sensitive",
		"manuallyApprovesFollowers": "as:manuallyApprovesFollowers",
		"schema":                    "http://schema.org#",
		"PropertyValue":             "schema:PropertyValue",
		"value":                     "schema:value",
		"toot":                      "http://joinmastodon.org/ns#",
		"IdentityProof":             "toot:IdentityProof",
		"subscribers":               "as:subscribers",
		"proofValue":                "sec:proofValue",
		"proofPurpose":              "sec:proofPurpose",
		"verificationMethod":        "sec:verificationMethod",
	},
}

// Actor represents an ActivityPub actor document.
type Actor struct {
	Context           interface{}   `json:"@context,omitempty"`
	ID                string        `json:"id"`
	Type              string        `json:"type"`
	Name              string        `json:"name,omitempty"`
	PreferredUsername string        `json:"preferredUsername"`
	Summary           string        `json:"summary,omitempty"`
	Inbox             string        `json:"inbox"`
	Outbox            string        `json:"outbox,omitempty"`
	Followers         string        `json:"followers,omitempty"`
	Following         string        `json:"following,omitempty"`
	Subscribers       string        `json:"subscribers,omitempty"`
	PublicKey         *PublicKey    `json:"publicKey,omitempty"`
	Icon              *Image        `json:"icon,omitempty"`
	Image             *Image        `json:"image,omitempty"`
	Attachment        []Attachment  `json:"attachment,omitempty"`
	AlsoKnownAs       StringOrArray `json:"alsoKnownAs,omitempty"`
	ManuallyApproves  bool          `json:"manuallyApprovesFollowers"`
	URL               string        `json:"url,omitempty"`
	Endpoints         *Endpoints    `json:"endpoints,omitempty"`
}

// IsActorType reports whether t is one of the AP actor types.
func IsActorType(t string) bool {
	switch t {
	case "Person", "Service", "Application", "Group", "Organization":
		return true
	}
	return false
}

// PublicKey is the RSA public key attached to an actor.
type PublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

// Image is an ActivityPub Image object. Remote servers sometimes send an
// empty object here; an Image with no URL is treated as absent.
type Image struct {
	Type      string `json:"type,omitempty"`
	URL       string `json:"url,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
}

// Endpoints holds the shared inbox and other actor endpoints.
type Endpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

// Attachment is a typed entry on an actor or object: a PropertyValue
// profile field, an identity proof, a payment link, or a media document.
// Unknown types are carried through untouched on actors and ignored on
// ingest.
type Attachment struct {
	Type      string `json:"type"`
	Name      string `json:"name,omitempty"`
	Value     string `json:"value,omitempty"`
	Href      string `json:"href,omitempty"`
	URL       string `json:"url,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	Signature string `json:"signatureValue,omitempty"`
}

// Object represents an ActivityPub Note-like object on the wire.
type Object struct {
	Context      interface{}     `json:"@context,omitempty"`
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	AttributedTo string          `json:"attributedTo,omitempty"`
	Content      string          `json:"content,omitempty"`
	Published    string          `json:"published,omitempty"`
	Updated      string          `json:"updated,omitempty"`
	To           StringOrArray   `json:"to,omitempty"`
	CC           StringOrArray   `json:"cc,omitempty"`
	Tag          []Tag           `json:"tag,omitempty"`
	Attachment   []Attachment    `json:"attachment,omitempty"`
	URL          string          `json:"url,omitempty"`
	InReplyTo    string          `json:"inReplyTo,omitempty"`
	Sensitive    bool            `json:"sensitive,omitempty"`
	Summary      string          `json:"summary,omitempty"`
	Proof        json.RawMessage `json:"proof,omitempty"`
}

// Tag is a tag entry on an object: Mention, Hashtag, or a FEP-e232
// object link (type Link with an ActivityStreams media type).
type Tag struct {
	Type      string `json:"type"`
	Href      string `json:"href,omitempty"`
	Name      string `json:"name,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
}

const ObjectLinkMediaType = `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`

// IsObjectLink reports whether the tag is a FEP-e232 object link.
func (t Tag) IsObjectLink() bool {
	return t.Type == "Link" && (t.MediaType == ObjectLinkMediaType || t.MediaType == "application/activity+json")
}

// Activity is the generic outbound activity envelope.
type Activity struct {
	Context   interface{}     `json:"@context,omitempty"`
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Actor     string          `json:"actor"`
	Object    interface{}     `json:"object,omitempty"`
	Target    interface{}     `json:"target,omitempty"`
	To        []string        `json:"to,omitempty"`
	CC        []string        `json:"cc,omitempty"`
	Published string          `json:"published,omitempty"`
	Proof     json.RawMessage `json:"proof,omitempty"`
}

// IncomingActivity parses an inbound activity where object and target
// may be string references or embedded objects.
type IncomingActivity struct {
	Context   interface{}     `json:"@context,omitempty"`
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Actor     string          `json:"actor"`
	Object    json.RawMessage `json:"object"`
	Target    json.RawMessage `json:"target,omitempty"`
	To        StringOrArray   `json:"to,omitempty"`
	CC        StringOrArray   `json:"cc,omitempty"`
	Published string          `json:"published,omitempty"`
	Content   string          `json:"content,omitempty"`
	Proof     json.RawMessage `json:"proof,omitempty"`
}

// ObjectID returns the activity object as an ID string, whether the
// object is a bare reference or an embedded object with an "id".
func (a *IncomingActivity) ObjectID() string { return rawID(a.Object) }

// TargetID returns the activity target as an ID string.
func (a *IncomingActivity) TargetID() string { return rawID(a.Target) }

func rawID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}

// IsPublic reports whether the activity is addressed to the AP Public
// collection in either to or cc.
func (a *IncomingActivity) IsPublic() bool {
	for _, r := range a.To {
		if r == PublicURI {
			return true
		}
	}
	for _, r := range a.CC {
		if r == PublicURI {
			return true
		}
	}
	return false
}

// OrderedCollection is a paginated AP collection.
type OrderedCollection struct {
	Context      interface{} `json:"@context"`
	ID           string      `json:"id"`
	Type         string      `json:"type"`
	TotalItems   int         `json:"totalItems"`
	First        string      `json:"first,omitempty"`
	OrderedItems interface{} `json:"orderedItems,omitempty"`
}

// OrderedCollectionPage is one page of an OrderedCollection.
type OrderedCollectionPage struct {
	Context      interface{} `json:"@context"`
	ID           string      `json:"id"`
	Type         string      `json:"type"`
	PartOf       string      `json:"partOf"`
	Next         string      `json:"next,omitempty"`
	OrderedItems interface{} `json:"orderedItems"`
}

// Tombstone replaces a deleted object.
type Tombstone struct {
	Context interface{} `json:"@context"`
	ID      string      `json:"id"`
	Type    string      `json:"type"`
	Deleted string      `json:"deleted,omitempty"`
}

// WebFingerResponse is the JRD envelope served and consumed for
// acct: lookups.
type WebFingerResponse struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []WebFingerLink `json:"links"`
}

type WebFingerLink struct {
	Rel      string `json:"rel"`
	Type     string `json:"type,omitempty"`
	Href     string `json:"href,omitempty"`
	Template string `json:"template,omitempty"`
}

// NodeInfo is the 2.0/2.1 schema document.
type NodeInfo struct {
	Version           string                 `json:"version"`
	Software          NodeInfoSoftware       `json:"software"`
	Protocols         []string               `json:"protocols"`
	Services          NodeInfoServices       `json:"services"`
	Usage             NodeInfoUsage          `json:"usage"`
	OpenRegistrations bool                   `json:"openRegistrations"`
	Metadata          map[string]interface{} `json:"metadata"`
}

type NodeInfoSoftware struct {
	Name       string `json:"name"`
	Version    string `json:"version"`
	Repository string `json:"repository,omitempty"`
}

type NodeInfoServices struct {
	Inbound  []string `json:"inbound"`
	Outbound []string `json:"outbound"`
}

type NodeInfoUsage struct {
	Users      NodeInfoUsers `json:"users"`
	LocalPosts int           `json:"localPosts"`
}

type NodeInfoUsers struct {
	Total          int `json:"total"`
	ActiveMonth    int `json:"activeMonth"`
	ActiveHalfYear int `json:"activeHalfYear"`
}

// WithContext wraps an object with the default AP @context.
func WithContext(v interface{}) map[string]interface{} {
	data, _ := json.Marshal(v)
	m := make(map[string]interface{})
	_ = json.Unmarshal(data, &m)
	m["@context"] = DefaultContext
	return m
}
